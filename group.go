package intelbatch

import (
	"encoding/json"

	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// GroupType is type of group. The set is closed.
type GroupType string

const (
	GroupAdversary      GroupType = "Adversary"
	GroupAttackPattern  GroupType = "Attack Pattern"
	GroupCampaign       GroupType = "Campaign"
	GroupCourseOfAction GroupType = "Course of Action"
	GroupDocument       GroupType = "Document"
	GroupEmail          GroupType = "Email"
	GroupEvent          GroupType = "Event"
	GroupIncident       GroupType = "Incident"
	GroupIntrusionSet   GroupType = "Intrusion Set"
	GroupMalware        GroupType = "Malware"
	GroupReport         GroupType = "Report"
	GroupSignature      GroupType = "Signature"
	GroupTactic         GroupType = "Tactic"
	GroupThreat         GroupType = "Threat"
	GroupTool           GroupType = "Tool"
	GroupVulnerability  GroupType = "Vulnerability"
)

var groupTypes = map[GroupType]struct{}{
	GroupAdversary: {}, GroupAttackPattern: {}, GroupCampaign: {}, GroupCourseOfAction: {},
	GroupDocument: {}, GroupEmail: {}, GroupEvent: {}, GroupIncident: {}, GroupIntrusionSet: {},
	GroupMalware: {}, GroupReport: {}, GroupSignature: {}, GroupTactic: {}, GroupThreat: {},
	GroupTool: {}, GroupVulnerability: {},
}

// Valid returns true if t is a known group type
func (t GroupType) Valid() bool {
	_, ok := groupTypes[t]
	return ok
}

// HasFile returns true if a group of the type can own an attachment
func (t GroupType) HasFile() bool {
	return t == GroupDocument || t == GroupReport
}

// UploadBranch is path segment of file upload endpoint
func (t GroupType) UploadBranch() string {
	switch t {
	case GroupDocument:
		return "documents"
	case GroupReport:
		return "reports"
	}
	return ""
}

// FetchFunc materializes attachment content lazily. It receives xid of the owner group.
type FetchFunc func(xid string) ([]byte, error)

// Attachment is binary payload of Document or Report group
type Attachment struct {
	FileName string
	Kind     GroupType
	Content  []byte
	Fetch    FetchFunc
}

// Lazy returns true if content is materialized by Fetch
func (x *Attachment) Lazy() bool {
	return x.Content == nil && x.Fetch != nil
}

// Resolve returns content. Fetch is invoked with xid for a lazy attachment.
func (x *Attachment) Resolve(xid string) ([]byte, error) {
	if x.Content != nil || x.Fetch == nil {
		return x.Content, nil
	}
	return x.Fetch(xid)
}

// Group is a higher-order intelligence object such as Incident, Report or Document
type Group struct {
	decorations
	Xid                 string
	Type                GroupType
	Name                string
	Metadata            map[string]interface{}
	AssociatedGroupXids []string
	Attachment          *Attachment
}

// NewGroup is constructor of Group
func NewGroup(groupType GroupType, name, xid string) *Group {
	return &Group{
		Type: groupType,
		Name: name,
		Xid:  xid,
	}
}

// Associate adds xid of other group. Target group may not be added yet.
func (x *Group) Associate(xid string) {
	x.AssociatedGroupXids = append(x.AssociatedGroupXids, xid)
}

// SetFile attaches literal content. Only Document and Report can have a file.
func (x *Group) SetFile(fileName string, content []byte) error {
	return x.setAttachment(&Attachment{FileName: fileName, Content: content})
}

// SetFileFetch attaches content that is fetched when the file is uploaded
func (x *Group) SetFileFetch(fileName string, fetch FetchFunc) error {
	return x.setAttachment(&Attachment{FileName: fileName, Fetch: fetch})
}

func (x *Group) setAttachment(attachment *Attachment) error {
	if !x.Type.HasFile() {
		return errors.New("Group type can not have file").With("type", x.Type).With("xid", x.Xid)
	}
	attachment.Kind = x.Type
	x.Attachment = attachment
	return nil
}

// Validate checks required fields
func (x *Group) Validate() error {
	if x.Xid == "" {
		return errors.New("xid is required for group").With("name", x.Name)
	}
	if !x.Type.Valid() {
		return errors.New("Invalid group type").With("type", x.Type).With("xid", x.Xid)
	}
	if x.Attachment != nil && !x.Type.HasFile() {
		return errors.New("Group type can not have file").With("type", x.Type).With("xid", x.Xid)
	}
	return nil
}

// Wire returns the record sent to the batch API. Attachment content is never included.
func (x *Group) Wire() WireRecord {
	w := WireRecord{
		"xid":  x.Xid,
		"type": x.Type,
		"name": x.Name,
	}
	x.decorations.writeTo(w)
	if len(x.AssociatedGroupXids) > 0 {
		w["associatedGroupXid"] = x.AssociatedGroupXids
	}
	if x.Attachment != nil && x.Attachment.FileName != "" {
		w["fileName"] = x.Attachment.FileName
	}
	copyMetadata(w, x.Metadata)
	return w
}

// MarshalJSON encodes Group as wire record
func (x *Group) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.Wire())
}

type wireGroup struct {
	wireDecorations
	Xid                 string    `json:"xid"`
	Type                GroupType `json:"type"`
	Name                string    `json:"name"`
	AssociatedGroupXids []string  `json:"associatedGroupXid"`
}

// UnmarshalJSON decodes wire record. Unknown keys go to Metadata.
func (x *Group) UnmarshalJSON(data []byte) error {
	var w wireGroup
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "Failed to decode group")
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "Failed to decode group")
	}

	*x = Group{
		decorations:         w.wireDecorations.decorations(),
		Xid:                 w.Xid,
		Type:                w.Type,
		Name:                w.Name,
		AssociatedGroupXids: w.AssociatedGroupXids,
		Metadata: extractMetadata(raw, "xid", "type", "name",
			"attribute", "tag", "securityLabel", "associatedGroupXid"),
	}
	return nil
}
