package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	lastModifiedLayout = "2006-01-02T15:04:05.000Z"
	fgasRegistered     = "FGAS Registered"
	listSeparator      = ", "
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Normalizer maps source records onto the fixed Record schema.
type Normalizer struct {
	clock  Clock
	logger *zap.Logger
}

// NewNormalizer builds a Normalizer. A nil logger disables warnings.
func NewNormalizer(clock Clock, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{clock: clock, logger: logger}
}

// Normalize returns a fully populated record for raw. It never fails; fields
// that are absent from raw keep their defaults.
func (n *Normalizer) Normalize(raw SourceRecord) Record {
	rec := n.blank()
	switch r := raw.(type) {
	case PlaceResult:
		applyPlace(&rec, r)
	case RegistryEntry:
		applyRegistry(&rec, r)
	case DirectoryEntry:
		applyDirectory(&rec, r)
	default:
		n.logger.Warn("unknown source record", zap.String("type", fmt.Sprintf("%T", raw)))
	}
	return rec
}

// NormalizeTagged decodes a loosely typed mapping according to the source
// tag and normalizes it. Unknown tags log a warning and yield a default record.
func (n *Normalizer) NormalizeTagged(tag string, raw map[string]any) Record {
	source, ok := ParseSource(tag)
	if !ok {
		n.logger.Warn("unknown source", zap.String("source", tag))
		return n.blank()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		n.logger.Warn("unencodable source record", zap.String("source", tag), zap.Error(err))
		return n.blank()
	}
	var decoded SourceRecord
	switch source {
	case SourceGoogle:
		var p PlaceResult
		err = Decode(data, &p)
		decoded = p
	case SourceRefcom:
		var e RegistryEntry
		err = Decode(data, &e)
		decoded = e
	case SourceFGas:
		var e DirectoryEntry
		err = Decode(data, &e)
		decoded = e
	}
	if err != nil {
		n.logger.Warn("undecodable source record", zap.String("source", tag), zap.Error(err))
	}
	return n.Normalize(decoded)
}

func (n *Normalizer) blank() Record {
	rec := New()
	now := time.Now()
	if n.clock != nil {
		now = n.clock.Now()
	}
	rec.LastModified = now.UTC().Format(lastModifiedLayout)
	return rec
}

func applyPlace(rec *Record, p PlaceResult) {
	rec.CompanyName = p.Name.String()
	rec.PhoneNumber = p.FormattedPhoneNumber.String()
	rec.Address = p.FormattedAddress.String()
	rec.ServicesOffered = JoinNonEmpty(p.Types...)
	// compound codes look like "GV8H+5X London, UK"; the first token is kept.
	if fields := strings.Fields(p.PlusCode.CompoundCode.String()); len(fields) > 0 {
		rec.AreasCovered = fields[0]
	}
}

func applyRegistry(rec *Record, e RegistryEntry) {
	rec.CompanyName = e.CompanyName.String()
	rec.PhoneNumber = e.TelephoneNo.String()
	rec.EmailAddress = e.Email.String()
	rec.Address = JoinNonEmpty(e.AddressLine1, e.AddressLine2, e.AddressLine3, e.Town, e.County, e.Postcode)
	rec.AreasCovered = firstNonEmpty(e.County, e.Town)
	if e.FGas {
		rec.ServicesOffered = fgasRegistered
	}
	rec.FileNumber = e.FGasCode.String()
}

func applyDirectory(rec *Record, e DirectoryEntry) {
	rec.CompanyName = e.Company.String()
	rec.PhoneNumber = e.Telephone.String()
	rec.Address = JoinNonEmpty(e.Address1, e.Address2, e.Address3, e.Address4, e.City, e.ZipCode)
	rec.AreasCovered = e.City.String()
	rec.FileNumber = e.FGasCode.String()
	rec.ServicesOffered = fgasRegistered
}

// JoinNonEmpty joins the non-blank parts with ", ", preserving their order.
func JoinNonEmpty(parts ...Text) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part.String()); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, listSeparator)
}

func firstNonEmpty(values ...Text) string {
	for _, v := range values {
		if v != "" {
			return v.String()
		}
	}
	return ""
}
