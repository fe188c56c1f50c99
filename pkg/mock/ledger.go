package mock

import (
	"sync"
)

// UploadLedger is in-memory mock of adaptor.UploadLedger
type UploadLedger struct {
	Appended []string
	xids     map[string]struct{}
	mutex    sync.Mutex
}

// NewUploadLedger returns a ledger that already contains xids
func NewUploadLedger(xids ...string) *UploadLedger {
	ledger := &UploadLedger{xids: make(map[string]struct{})}
	for _, xid := range xids {
		ledger.xids[xid] = struct{}{}
	}
	return ledger
}

func (x *UploadLedger) Contains(xid string) (bool, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	_, ok := x.xids[xid]
	return ok, nil
}

func (x *UploadLedger) Append(xid string) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.xids[xid] = struct{}{}
	x.Appended = append(x.Appended, xid)
	return nil
}
