package syncengine

import (
	"fmt"
	"strings"
)

type RecordKind string

const (
	KindRFQ       RecordKind = "rfq"
	KindDatasheet RecordKind = "datasheet"
	KindOrder     RecordKind = "order"
)

var allKinds = []RecordKind{KindRFQ, KindDatasheet, KindOrder}

// Kinds returns every record kind the engine synchronizes.
func Kinds() []RecordKind {
	out := make([]RecordKind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseRecordKind accepts the kind names used in routes, config and the CLI.
func ParseRecordKind(raw string) (RecordKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rfq", "rfqs":
		return KindRFQ, nil
	case "datasheet", "datasheets", "ds":
		return KindDatasheet, nil
	case "order", "orders":
		return KindOrder, nil
	default:
		return "", fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, raw)
	}
}

func (k RecordKind) Valid() bool {
	switch k {
	case KindRFQ, KindDatasheet, KindOrder:
		return true
	default:
		return false
	}
}

// Resource is the resource name the downstream flow expects in mutation bodies.
func (k RecordKind) Resource() string {
	switch k {
	case KindRFQ:
		return "RFQ"
	case KindDatasheet:
		return "Datasheet"
	case KindOrder:
		return "Order"
	default:
		return string(k)
	}
}

func (k RecordKind) String() string {
	return string(k)
}
