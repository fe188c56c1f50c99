package adaptor

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/guregu/dynamo"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// UploadLedger remembers xids of attachments that are already uploaded
type UploadLedger interface {
	Contains(xid string) (bool, error)
	Append(xid string) error
}

// FileLedger is an append-only text file, one xid per line
type FileLedger struct {
	path  string
	mutex sync.Mutex
	xids  map[string]struct{}
}

// NewFileLedger loads existing xids from path. A missing file is an empty ledger.
func NewFileLedger(path string) (*FileLedger, error) {
	ledger := &FileLedger{
		path: path,
		xids: make(map[string]struct{}),
	}

	fd, err := os.Open(path)
	if os.IsNotExist(err) {
		return ledger, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "Failed to open ledger").With("path", path)
	}
	defer fd.Close()

	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		if xid := strings.TrimSpace(scanner.Text()); xid != "" {
			ledger.xids[xid] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "Failed to read ledger").With("path", path)
	}

	return ledger, nil
}

func (x *FileLedger) Contains(xid string) (bool, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	_, ok := x.xids[xid]
	return ok, nil
}

func (x *FileLedger) Append(xid string) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	fd, err := os.OpenFile(x.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "Failed to open ledger").With("path", x.path)
	}
	defer fd.Close()

	if _, err := fd.WriteString(xid + "\n"); err != nil {
		return errors.Wrap(err, "Failed to append ledger").With("path", x.path).With("xid", xid)
	}
	x.xids[xid] = struct{}{}
	return nil
}

// DynamoLedger keeps uploaded xids in DynamoDB so that replay works across Lambda invocations
type DynamoLedger struct {
	table     dynamo.Table
	namespace string
}

const (
	dynamoHashKey     = "pk"
	dynamoRangeKey    = "sk"
	ledgerTimeToLive  = time.Hour * 24 * 30
	ledgerKeyTemplate = "uploaded/%s"
)

type ledgerItem struct {
	PK         string `dynamo:"pk"`
	SK         string `dynamo:"sk"`
	UploadedAt int64  `dynamo:"uploaded_at"`
	ExpiresAt  int64  `dynamo:"expires_at"`
}

// NewDynamoLedger returns a ledger stored in tableName. namespace separates jobs sharing the table.
func NewDynamoLedger(region, tableName, namespace string) (UploadLedger, error) {
	ssn, err := newSession(region)
	if err != nil {
		return nil, err
	}

	return &DynamoLedger{
		table:     dynamo.New(ssn).Table(tableName),
		namespace: namespace,
	}, nil
}

func (x *DynamoLedger) pk() string {
	return fmt.Sprintf(ledgerKeyTemplate, x.namespace)
}

func (x *DynamoLedger) Contains(xid string) (bool, error) {
	var item ledgerItem
	err := x.table.Get(dynamoHashKey, x.pk()).Range(dynamoRangeKey, dynamo.Equal, xid).One(&item)
	if err == dynamo.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "Failed to get ledger item").With("pk", x.pk()).With("xid", xid)
	}
	return true, nil
}

func (x *DynamoLedger) Append(xid string) error {
	now := time.Now().UTC()
	item := &ledgerItem{
		PK:         x.pk(),
		SK:         xid,
		UploadedAt: now.Unix(),
		ExpiresAt:  now.Add(ledgerTimeToLive).Unix(),
	}
	if err := x.table.Put(item).Run(); err != nil {
		return errors.Wrap(err, "Failed to put ledger item").With("item", item)
	}
	return nil
}
