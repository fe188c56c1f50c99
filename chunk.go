package intelbatch

// Chunk is one unit of a batch submission. Files are sent separately from metadata.
type Chunk struct {
	Groups     []WireRecord           `json:"group"`
	Indicators []WireRecord           `json:"indicator"`
	Files      map[string]*Attachment `json:"-"`
}

// NewChunk is constructor of an empty Chunk
func NewChunk() *Chunk {
	return &Chunk{
		Groups:     []WireRecord{},
		Indicators: []WireRecord{},
		Files:      make(map[string]*Attachment),
	}
}

// Count returns number of groups and indicators
func (x *Chunk) Count() int {
	return len(x.Groups) + len(x.Indicators)
}

// Empty returns true if the chunk has neither group nor indicator
func (x *Chunk) Empty() bool {
	return x.Count() == 0
}

// Xids returns xid of all records in the chunk, groups first
func (x *Chunk) Xids() []string {
	var xids []string
	for _, g := range x.Groups {
		if xid, ok := g["xid"].(string); ok {
			xids = append(xids, xid)
		}
	}
	for _, i := range x.Indicators {
		if xid, ok := i["xid"].(string); ok {
			xids = append(xids, xid)
		}
	}
	return xids
}
