package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Source tags the upstream a record came from.
type Source string

// Known sources. The tag values double as the "source" field of API responses.
const (
	SourceGoogle Source = "google"
	SourceRefcom Source = "refcom"
	SourceFGas   Source = "fgas"
)

// ParseSource resolves a case-insensitive source tag. The generic names
// "places", "registry" and "directory" are accepted as aliases.
func ParseSource(tag string) (Source, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "google", "places":
		return SourceGoogle, true
	case "refcom", "registry":
		return SourceRefcom, true
	case "fgas", "directory":
		return SourceFGas, true
	default:
		return "", false
	}
}

// SourceRecord is implemented only by the per-source record types in this
// package, so normalization is a total function over a closed set.
type SourceRecord interface {
	Source() Source
	sourceRecord()
}

// PlaceResult is a Places text-search stub merged with its place details.
type PlaceResult struct {
	PlaceID              Text   `json:"place_id"`
	Name                 Text   `json:"name"`
	FormattedAddress     Text   `json:"formatted_address"`
	FormattedPhoneNumber Text   `json:"formatted_phone_number"`
	Website              Text   `json:"website"`
	Types                []Text `json:"types"`
	PlusCode             struct {
		CompoundCode Text `json:"compound_code"`
		GlobalCode   Text `json:"global_code"`
	} `json:"plus_code"`
}

// Source implements SourceRecord.
func (PlaceResult) Source() Source { return SourceGoogle }

func (PlaceResult) sourceRecord() {}

// Merge overlays the non-empty fields of details onto the stub.
func (p PlaceResult) Merge(details PlaceResult) PlaceResult {
	out := p
	overlay(&out.PlaceID, details.PlaceID)
	overlay(&out.Name, details.Name)
	overlay(&out.FormattedAddress, details.FormattedAddress)
	overlay(&out.FormattedPhoneNumber, details.FormattedPhoneNumber)
	overlay(&out.Website, details.Website)
	if len(details.Types) > 0 {
		out.Types = details.Types
	}
	overlay(&out.PlusCode.CompoundCode, details.PlusCode.CompoundCode)
	overlay(&out.PlusCode.GlobalCode, details.PlusCode.GlobalCode)
	return out
}

func overlay(dst *Text, src Text) {
	if src != "" {
		*dst = src
	}
}

// RegistryEntry is one company returned by the REFCOM public company API.
type RegistryEntry struct {
	CompanyID    Text `json:"companyId"`
	CompanyName  Text `json:"companyName"`
	TelephoneNo  Text `json:"telephoneNo"`
	Email        Text `json:"email"`
	AddressLine1 Text `json:"addressLine1"`
	AddressLine2 Text `json:"addressLine2"`
	AddressLine3 Text `json:"addressLine3"`
	Town         Text `json:"town"`
	County       Text `json:"county"`
	Postcode     Text `json:"postcode"`
	FGas         Flag `json:"fGas"`
	FGasCode     Text `json:"fGasCode"`
}

// Source implements SourceRecord.
func (RegistryEntry) Source() Source { return SourceRefcom }

func (RegistryEntry) sourceRecord() {}

// DirectoryEntry is one company row intercepted from the F-Gas register widget.
type DirectoryEntry struct {
	Company   Text `json:"Company"`
	Telephone Text `json:"Telephone"`
	Address1  Text `json:"Address_1"`
	Address2  Text `json:"Address_2"`
	Address3  Text `json:"Address_3"`
	Address4  Text `json:"Address_4"`
	City      Text `json:"City"`
	ZipCode   Text `json:"Zip_Code"`
	FGasCode  Text `json:"FGasCode"`
}

// Source implements SourceRecord.
func (DirectoryEntry) Source() Source { return SourceFGas }

func (DirectoryEntry) sourceRecord() {}

// Text is a string field that also accepts JSON numbers, booleans and null.
// Objects and arrays decode to the empty string.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*t = ""
		return nil
	}
	switch data[0] {
	case 'n', '{', '[':
		*t = ""
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(data)
	}
	return nil
}

// String returns the text value.
func (t Text) String() string { return string(t) }

// Flag is a boolean field decoded with loose truthiness: non-empty strings
// other than "false"/"0", non-zero numbers, objects and arrays are true.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*f = false
		return nil
	}
	switch data[0] {
	case 'n', 'f':
		*f = false
	case 't', '{', '[':
		*f = true
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ToLower(s))
		*f = Flag(s != "" && s != "false" && s != "0")
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		*f = Flag(err == nil && n != 0)
	}
	return nil
}

// Decode unmarshals data into dst, tolerating fields whose JSON type does not
// match. Mismatched fields keep their zero value.
func Decode(data []byte, dst any) error {
	err := json.Unmarshal(data, dst)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return nil
	}
	return err
}
