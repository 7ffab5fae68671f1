// Package record defines the fixed output schema shared by every directory
// source and the normalizer that maps source records onto it.
package record

import "encoding/json"

// Record is the normalized business-directory entry returned to API callers.
// The JSON keys are part of the public contract and must not change.
type Record struct {
	PhoneNumber        string   `json:"Phone Number"`
	CompanyName        string   `json:"Company Name"`
	FullName           string   `json:"Full Name"`
	AreasCovered       string   `json:"Areas Covered In The UK"`
	Address            string   `json:"Address"`
	EmailAddress       string   `json:"Email Address"`
	Attachments        []string `json:"Attachments"`
	WorkingDays        string   `json:"Working Days"`
	WorkingTimes       string   `json:"Working Times"`
	BankRegistration   string   `json:"Bank Registration..."`
	FileNumber         string   `json:"Betters/File Num..."`
	ServicesOffered    string   `json:"Services Offered"`
	SKLSDate           string   `json:"S.K.L.S. (2025) date"`
	SkillsDate         string   `json:"S.K.I.L.L.S (2024)"`
	Signature          string   `json:"Signature"`
	InsurancesLicences string   `json:"Insurances & Licences"`
	JobsAssigned       string   `json:"Jobs Assigned"`
	LastModified       string   `json:"Last Modified"`
	BroadcastMessages  string   `json:"Broadcast Messages"`
	Jobs               string   `json:"Jobs"`
	Jobs2              string   `json:"Jobs 2"`
	Jobs3              string   `json:"Jobs 3"`
	Jobs4              string   `json:"Jobs 4"`
	SMSResponses       string   `json:"SMS Responses"`
}

// New returns a record with every field at its default value.
func New() Record {
	return Record{Attachments: []string{}}
}

// MarshalJSON keeps Attachments an array even on zero-value records.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	p := plain(r)
	if p.Attachments == nil {
		p.Attachments = []string{}
	}
	return json.Marshal(p)
}
