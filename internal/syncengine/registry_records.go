package syncengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const systemAuthorName = "System"

// looseString accepts JSON strings and numbers; list columns switch between
// the two depending on how the column was created.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = looseString(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*s = looseString(number.String())
	return nil
}

// looseTime accepts RFC 3339 timestamps and plain dates. Anything else
// decodes as absent rather than failing the record.
type looseTime struct {
	time.Time
	valid bool
}

var looseTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func (t *looseTime) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return nil
	}
	parsed, ok := parseLooseTime(text)
	if ok {
		t.Time = parsed
		t.valid = true
	}
	return nil
}

func parseLooseTime(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range looseTimeLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

type docIDURL struct {
	URL         *looseString `json:"Url"`
	Description *looseString `json:"Description"`
}

type lookupValue struct {
	LookupID    *looseString `json:"LookupId"`
	LookupValue *looseString `json:"LookupValue"`
}

type rfqListFields struct {
	Title                 *looseString `json:"Title"`
	Status                *looseString `json:"Status"`
	Priority              *looseString `json:"Priority"`
	DocumentURL           *docIDURL    `json:"_dlc_DocIdUrl"`
	AccountType           *looseString `json:"Account_x0020_Type"`
	ContactEmail          *looseString `json:"Contact_x0020_Email"`
	ContactName           *looseString `json:"Contact_x0020_Name"`
	CustomerName          *looseString `json:"Customer_x0020_Name"`
	QuoteSource           *looseString `json:"Quote_x0020_Source"`
	SubmissionMethod      *looseString `json:"Submission_x0020_Method"`
	LineItems             *looseString `json:"Number_x0020_of_x0020_Line_x0020_Items"`
	CustomerRequestedDate *looseTime   `json:"Customer_x0020_Requested_x0020_Date"`
	InternalDueDate       *looseTime   `json:"Internal_x0020_Due_x0020_Date"`
	AssignedLookupID      *looseString `json:"AssignedLookupId"`
	ReviewerLookupID      *looseString `json:"ReviewerLookupId"`
}

type datasheetListFields struct {
	Title          *looseString  `json:"Title"`
	Status         *looseString  `json:"Status"`
	Body           *looseString  `json:"field_2"`
	Priority       *looseString  `json:"field_5"`
	PriorityRank   *looseString  `json:"Priority_x0023_"`
	AuthorLookupID *looseString  `json:"Author0LookupId"`
	Guide          []lookupValue `json:"Guide_x002f_Mentor"`
}

type orderListFields struct {
	FileName       *looseString `json:"FileLeafRef"`
	Status         *looseString `json:"Status"`
	DocumentURL    *docIDURL    `json:"_dlc_DocIdUrl"`
	CustomerName   *looseString `json:"CustomerName"`
	POType         *looseString `json:"POType"`
	ShipToSite     *looseString `json:"ShipToSite"`
	PONumber       *looseString `json:"PONumber"`
	SONumber       *looseString `json:"SONumber"`
	AuthorLookupID *looseString `json:"AuthorLookupId"`
}

// registryDraft is a Graph list item decoded into optional values. Nothing
// is defaulted here; see normalize.
type registryDraft struct {
	Kind          RecordKind
	RegistryID    string
	WebURL        string
	SystemCreated bool
	Created       *time.Time

	Title       *string
	Body        *string
	Status      *string
	Priority    *string
	FileName    *string
	DocumentURL *string

	CustomerName     *string
	ContactName      *string
	ContactEmail     *string
	AccountType      *string
	QuoteSource      *string
	SubmissionMethod *string
	LineItems        *string
	PriorityRank     *string
	POType           *string
	ShipToSite       *string
	PONumber         *string
	SONumber         *string

	CustomerRequested *time.Time
	InternalDue       *time.Time

	AuthorRef   *string
	AssigneeRef *string
	ReviewerRef *string
	GuideRef    *string
}

// personRefs lists the registry user references the draft points at.
func (d *registryDraft) personRefs() []string {
	refs := make([]string, 0, 4)
	for _, ref := range []*string{d.AuthorRef, d.AssigneeRef, d.ReviewerRef, d.GuideRef} {
		if ref != nil {
			refs = append(refs, *ref)
		}
	}
	return refs
}

func decodeRegistryRecord(kind RecordKind, record RegistryRecord) (*registryDraft, error) {
	registryID := strings.TrimSpace(record.ID)
	if registryID == "" {
		return nil, fmt.Errorf("%w: registry record without id", ErrInvalidInput)
	}
	draft := &registryDraft{
		Kind:          kind,
		RegistryID:    registryID,
		WebURL:        strings.TrimSpace(record.WebURL),
		SystemCreated: strings.TrimSpace(record.CreatedBy.User.DisplayName) == systemAuthorName,
	}
	if created, ok := parseLooseTime(record.CreatedDateTime); ok {
		draft.Created = &created
	}
	fields := record.Fields
	if len(bytes.TrimSpace(fields)) == 0 || string(bytes.TrimSpace(fields)) == "null" {
		fields = json.RawMessage("{}")
	}

	switch kind {
	case KindRFQ:
		var f rfqListFields
		if err := json.Unmarshal(fields, &f); err != nil {
			return nil, fmt.Errorf("%w: decode rfq %s: %v", ErrInvalidInput, registryID, err)
		}
		draft.Title = f.Title.text()
		draft.Status = f.Status.text()
		draft.Priority = f.Priority.text()
		draft.DocumentURL = f.DocumentURL.url()
		draft.AccountType = f.AccountType.text()
		draft.ContactEmail = f.ContactEmail.text()
		draft.ContactName = f.ContactName.text()
		draft.CustomerName = f.CustomerName.text()
		draft.QuoteSource = f.QuoteSource.text()
		draft.SubmissionMethod = f.SubmissionMethod.text()
		draft.LineItems = f.LineItems.text()
		draft.CustomerRequested = f.CustomerRequestedDate.ptr()
		draft.InternalDue = f.InternalDueDate.ptr()
		draft.AssigneeRef = f.AssignedLookupID.text()
		draft.ReviewerRef = f.ReviewerLookupID.text()
	case KindDatasheet:
		var f datasheetListFields
		if err := json.Unmarshal(fields, &f); err != nil {
			return nil, fmt.Errorf("%w: decode datasheet %s: %v", ErrInvalidInput, registryID, err)
		}
		draft.Title = f.Title.text()
		draft.Status = f.Status.text()
		draft.Body = f.Body.text()
		draft.Priority = f.Priority.text()
		draft.PriorityRank = f.PriorityRank.text()
		draft.AuthorRef = f.AuthorLookupID.text()
		if len(f.Guide) > 0 {
			draft.GuideRef = f.Guide[0].LookupID.text()
		}
	case KindOrder:
		var f orderListFields
		if err := json.Unmarshal(fields, &f); err != nil {
			return nil, fmt.Errorf("%w: decode order %s: %v", ErrInvalidInput, registryID, err)
		}
		draft.FileName = f.FileName.text()
		draft.Status = f.Status.text()
		draft.DocumentURL = f.DocumentURL.url()
		draft.CustomerName = f.CustomerName.text()
		draft.POType = f.POType.text()
		draft.ShipToSite = f.ShipToSite.text()
		draft.PONumber = f.PONumber.text()
		draft.SONumber = f.SONumber.text()
		draft.AuthorRef = f.AuthorLookupID.text()
	default:
		return nil, fmt.Errorf("%w: record kind %q", ErrInvalidInput, kind)
	}
	return draft, nil
}

func (s *looseString) text() *string {
	if s == nil {
		return nil
	}
	value := strings.TrimSpace(string(*s))
	if value == "" {
		return nil
	}
	return &value
}

func (t *looseTime) ptr() *time.Time {
	if t == nil || !t.valid {
		return nil
	}
	value := t.Time
	return &value
}

func (u *docIDURL) url() *string {
	if u == nil {
		return nil
	}
	return u.URL.text()
}

// ReconcileItem is a normalized registry record ready to be written to Wrike.
type ReconcileItem struct {
	Kind          RecordKind
	RegistryID    string
	Fingerprint   string
	FileName      string
	SystemCreated bool
	Fields        TaskFields
}

// people maps registry user references to identities; missing keys are
// unresolved users.
type people map[string]*IdentityRecord

func (p people) trackerID(ref *string) string {
	if ref == nil {
		return ""
	}
	if identity := p[*ref]; identity != nil {
		return identity.TrackerUserID
	}
	return ""
}

func (p people) displayName(ref *string) string {
	if ref == nil {
		return ""
	}
	if identity := p[*ref]; identity != nil {
		return identity.DisplayName
	}
	return ""
}

// normalize is the single defaulting pass. Every absent value becomes its
// documented default here and nowhere else.
func (d *registryDraft) normalize(vocab *Vocabulary, who people, reviewerField string) ReconcileItem {
	item := ReconcileItem{
		Kind:          d.Kind,
		RegistryID:    d.RegistryID,
		SystemCreated: d.SystemCreated,
		Fingerprint:   RecordFingerprint(d.Kind, d.RegistryID),
	}
	fields := TaskFields{
		Status:     vocab.StatusID(d.Kind, deref(d.Status)),
		Importance: vocab.Importance(d.Kind, deref(d.Priority)),
		StartDate:  d.Created,
	}

	switch d.Kind {
	case KindRFQ:
		fields.Title = orDefault(d.Title, "RFQ "+d.RegistryID)
		fields.StartDate = effectiveStartDate(d.Created, d.CustomerRequested, d.InternalDue)
		fields.DueDate = d.InternalDue
		if fields.DueDate == nil {
			fields.DueDate = d.CustomerRequested
		}
		if assignee := who.trackerID(d.AssigneeRef); assignee != "" {
			fields.Responsibles = []string{assignee}
		}
		if reviewer := who.trackerID(d.ReviewerRef); reviewer != "" && reviewerField != "" {
			fields.CustomFields = map[string]string{reviewerField: reviewer}
		}
		fields.Description = joinDescription(
			describe("URL", d.DocumentURL),
			describe("Customer", d.CustomerName),
			describe("Contact", d.ContactName),
			describe("Contact email", d.ContactEmail),
			describe("Account type", d.AccountType),
			describe("Quote source", d.QuoteSource),
			describe("Submission method", d.SubmissionMethod),
			describe("Line items", d.LineItems),
			describe("Customer requested date", formatDate(d.CustomerRequested)),
			describe("Internal due date", formatDate(d.InternalDue)),
		)
	case KindDatasheet:
		fields.Title = "(DS) " + orDefault(d.Title, "Datasheet "+d.RegistryID)
		if author := who.trackerID(d.AuthorRef); author != "" {
			fields.Responsibles = []string{author}
		}
		lines := []string{}
		if d.Body != nil {
			lines = append(lines, strings.Join(strings.Split(*d.Body, "\n"), "<br>"))
		}
		if guide := who.displayName(d.GuideRef); guide != "" {
			lines = append(lines, "Guide: "+guide)
		}
		if d.PriorityRank != nil {
			lines = append(lines, "Priority #: "+*d.PriorityRank)
		}
		if d.WebURL != "" {
			lines = append(lines, "Link: "+d.WebURL)
		}
		fields.Description = joinDescription(lines...)
	case KindOrder:
		fileName := deref(d.FileName)
		item.FileName = fileName
		if fileName != "" {
			item.Fingerprint = OrderFingerprint(fileName)
		}
		fields.Title = orDefault(d.FileName, "Order "+d.RegistryID)
		author := who.displayName(d.AuthorRef)
		fields.Description = joinDescription(
			describe("URL", d.DocumentURL),
			describe("Entered date", formatDate(d.Created)),
			describe("PO number", d.PONumber),
			describe("PO type", d.POType),
			describe("SO number", d.SONumber),
			describe("Customer", d.CustomerName),
			describe("Ship to", d.ShipToSite),
			describe("Author", optional(author)),
		)
	}
	item.Fields = fields
	return item
}

// effectiveStartDate returns the earliest due date when either due date falls
// before creation, and the creation date otherwise.
func effectiveStartDate(created, customerRequested, internalDue *time.Time) *time.Time {
	earliest := earliestOf(customerRequested, internalDue)
	if created == nil {
		return earliest
	}
	if (customerRequested != nil && customerRequested.Before(*created)) ||
		(internalDue != nil && internalDue.Before(*created)) {
		return earliest
	}
	return created
}

func earliestOf(values ...*time.Time) *time.Time {
	var out *time.Time
	for _, value := range values {
		if value == nil {
			continue
		}
		if out == nil || value.Before(*out) {
			out = value
		}
	}
	return out
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func orDefault(value *string, fallback string) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return fallback
	}
	return *value
}

func optional(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func formatDate(value *time.Time) *string {
	if value == nil {
		return nil
	}
	text := value.Format("2006-01-02")
	return &text
}

func describe(label string, value *string) string {
	return label + ": " + orDefault(value, "none")
}

func joinDescription(lines ...string) string {
	return strings.Join(lines, " <br> ")
}

// parseRegistryItemID extracts the numeric list item id from a registry id.
// Graph item ids are decimal strings; older mappings carry a letter prefix.
func parseRegistryItemID(registryID string) (int, error) {
	registryID = strings.TrimSpace(registryID)
	start := strings.IndexFunc(registryID, isASCIIDigit)
	if start < 0 {
		return 0, fmt.Errorf("%w: registry id %q has no digits", ErrInvalidInput, registryID)
	}
	end := start
	for end < len(registryID) && isASCIIDigit(rune(registryID[end])) {
		end++
	}
	return strconv.Atoi(registryID[start:end])
}

func isASCIIDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
