package intelbatch

// WireRecord is the JSON object of a group or an indicator as the batch API receives it
type WireRecord map[string]interface{}

// Attribute is a typed key/value decoration of a group or an indicator
type Attribute struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Displayed *bool  `json:"displayed,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Valid returns false if the attribute must be dropped from output
func (x *Attribute) Valid() bool {
	return x != nil && x.Type != "" && x.Value != ""
}

// Tag is a free text label
type Tag struct {
	Name string `json:"name"`
}

// Valid returns false if name is empty
func (x *Tag) Valid() bool {
	return x != nil && x.Name != ""
}

// SecurityLabel controls visibility of a record in the remote platform
type SecurityLabel struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Valid returns false if name is empty
func (x *SecurityLabel) Valid() bool {
	return x != nil && x.Name != ""
}

// decorations is shared by Group and Indicator
type decorations struct {
	Attributes     []*Attribute
	Tags           []*Tag
	SecurityLabels []*SecurityLabel
}

// AddAttribute appends an attribute
func (x *decorations) AddAttribute(attrType, value string) *Attribute {
	attr := &Attribute{Type: attrType, Value: value}
	x.Attributes = append(x.Attributes, attr)
	return attr
}

// AddTag appends a tag
func (x *decorations) AddTag(name string) {
	x.Tags = append(x.Tags, &Tag{Name: name})
}

// AddSecurityLabel appends a security label
func (x *decorations) AddSecurityLabel(name, description, color string) {
	x.SecurityLabels = append(x.SecurityLabels, &SecurityLabel{
		Name:        name,
		Description: description,
		Color:       color,
	})
}

func (x *decorations) writeTo(w WireRecord) {
	var attrs []*Attribute
	for _, attr := range x.Attributes {
		if attr.Valid() {
			attrs = append(attrs, attr)
		}
	}
	if len(attrs) > 0 {
		w["attribute"] = attrs
	}

	var tags []*Tag
	for _, tag := range x.Tags {
		if tag.Valid() {
			tags = append(tags, tag)
		}
	}
	if len(tags) > 0 {
		w["tag"] = tags
	}

	var labels []*SecurityLabel
	for _, label := range x.SecurityLabels {
		if label.Valid() {
			labels = append(labels, label)
		}
	}
	if len(labels) > 0 {
		w["securityLabel"] = labels
	}
}

// wireDecorations is used to decode decorations from a wire record
type wireDecorations struct {
	Attributes     []*Attribute     `json:"attribute"`
	Tags           []*Tag           `json:"tag"`
	SecurityLabels []*SecurityLabel `json:"securityLabel"`
}

func (x *wireDecorations) decorations() decorations {
	return decorations{
		Attributes:     x.Attributes,
		Tags:           x.Tags,
		SecurityLabels: x.SecurityLabels,
	}
}

func copyMetadata(w WireRecord, metadata map[string]interface{}) {
	for key, value := range metadata {
		if _, reserved := w[key]; reserved {
			continue
		}
		w[key] = value
	}
}

func extractMetadata(raw map[string]interface{}, known ...string) map[string]interface{} {
	skip := make(map[string]struct{}, len(known))
	for _, key := range known {
		skip[key] = struct{}{}
	}

	var metadata map[string]interface{}
	for key, value := range raw {
		if _, ok := skip[key]; ok {
			continue
		}
		if metadata == nil {
			metadata = make(map[string]interface{})
		}
		metadata[key] = value
	}
	return metadata
}
