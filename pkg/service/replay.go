package service

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

const (
	replayChunkDir  = "batch"
	replayErrorDir  = "errors"
	replayFileDir   = "files"
	replayLedgerLog = "xids-saved"
)

// ReplayServiceArguments configures local state of batch jobs
type ReplayServiceArguments struct {
	// Dir is root directory of the state
	Dir string
	// Record enables writing chunks, errors and attachment copies
	Record bool
	// Replay keeps Dir on Close and skips attachments already in Ledger
	Replay bool
	// Ledger overrides the local "xids-saved" file
	Ledger adaptor.UploadLedger
}

// ReplayService keeps chunk payloads, error batches and uploaded xids so that a job can be run again
type ReplayService struct {
	args   ReplayServiceArguments
	ledger adaptor.UploadLedger
}

// NewReplayService is constructor of ReplayService
func NewReplayService(args ReplayServiceArguments) (*ReplayService, error) {
	if args.Replay {
		args.Record = true
	}
	svc := &ReplayService{args: args, ledger: args.Ledger}
	if !args.Record {
		return svc, nil
	}
	if args.Dir == "" {
		return nil, errors.New("Directory is required to record batch state")
	}

	for _, sub := range []string{replayChunkDir, replayErrorDir, replayFileDir} {
		if err := os.MkdirAll(filepath.Join(args.Dir, sub), 0755); err != nil {
			return nil, errors.Wrap(err, "Failed to create replay directory").With("dir", args.Dir)
		}
	}

	if svc.ledger == nil {
		ledger, err := adaptor.NewFileLedger(filepath.Join(args.Dir, replayLedgerLog))
		if err != nil {
			return nil, err
		}
		svc.ledger = ledger
	}
	return svc, nil
}

// Recording returns true if state is written
func (x *ReplayService) Recording() bool { return x.args.Record }

// Replaying returns true if replay mode is active
func (x *ReplayService) Replaying() bool { return x.args.Replay }

func newReplayFileName(prefix string) string {
	return fmt.Sprintf("%s-%d-%s.json.gz", prefix, time.Now().UnixNano(), uuid.New().String())
}

func writeGzipJSON(path string, v interface{}) error {
	fd, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "Failed to create file").With("path", path)
	}
	defer fd.Close()

	gz := gzip.NewWriter(fd)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		return errors.Wrap(err, "Failed to write gzip JSON").With("path", path)
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "Failed to close gzip writer").With("path", path)
	}
	return nil
}

func readGzipJSON(path string, v interface{}) error {
	fd, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "Failed to open file").With("path", path)
	}
	defer fd.Close()

	gz, err := gzip.NewReader(fd)
	if err != nil {
		return errors.Wrap(err, "Failed to read gzip header").With("path", path)
	}
	defer gz.Close()

	if err := json.NewDecoder(gz).Decode(v); err != nil {
		return errors.Wrap(err, "Failed to decode gzip JSON").With("path", path)
	}
	return nil
}

// SaveChunk writes metadata of chunk. It returns saved path, or "" if not recording.
func (x *ReplayService) SaveChunk(chunk *intelbatch.Chunk) (string, error) {
	if !x.args.Record {
		return "", nil
	}
	path := filepath.Join(x.args.Dir, replayChunkDir, newReplayFileName("batch"))
	if err := writeGzipJSON(path, chunk); err != nil {
		return "", err
	}
	logger.Debug().Str("path", path).Int("count", chunk.Count()).Msg("Saved chunk")
	return path, nil
}

// SaveErrors writes an error batch of a job
func (x *ReplayService) SaveErrors(batchID int64, batchErrs []*BatchError) error {
	if !x.args.Record || len(batchErrs) == 0 {
		return nil
	}
	path := filepath.Join(x.args.Dir, replayErrorDir, newReplayFileName("errors"))
	return writeGzipJSON(path, map[string]interface{}{
		"batchId": batchID,
		"errors":  batchErrs,
	})
}

// SavedChunk is a chunk loaded from replay directory
type SavedChunk struct {
	Path  string
	Chunk *intelbatch.Chunk
}

// LoadChunks returns saved chunks in the order they were written. Attachments are restored from
// copies of uploaded files when available.
func (x *ReplayService) LoadChunks() ([]*SavedChunk, error) {
	if x.args.Dir == "" {
		return nil, nil
	}

	pattern := filepath.Join(x.args.Dir, replayChunkDir, "batch-*.json.gz")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list saved chunks").With("pattern", pattern)
	}
	// unixnano prefix with fixed width keeps lexical order chronological
	sort.Strings(paths)

	var saved []*SavedChunk
	for _, path := range paths {
		chunk := intelbatch.NewChunk()
		if err := readGzipJSON(path, chunk); err != nil {
			return nil, err
		}
		chunk.Files = make(map[string]*intelbatch.Attachment)
		x.restoreFiles(chunk)
		saved = append(saved, &SavedChunk{Path: path, Chunk: chunk})
	}
	return saved, nil
}

func (x *ReplayService) restoreFiles(chunk *intelbatch.Chunk) {
	for _, g := range chunk.Groups {
		xid, _ := g["xid"].(string)
		fileName, _ := g["fileName"].(string)
		groupType, _ := g["type"].(string)
		kind := intelbatch.GroupType(groupType)
		if xid == "" || fileName == "" || !kind.HasFile() {
			continue
		}

		raw, err := ioutil.ReadFile(x.filePath(kind.UploadBranch(), xid, fileName))
		if err != nil {
			continue
		}
		chunk.Files[xid] = &intelbatch.Attachment{FileName: fileName, Kind: kind, Content: raw}
	}
}

func (x *ReplayService) filePath(branch, xid, fileName string) string {
	name := strings.ReplaceAll(fmt.Sprintf("%s--%s--%s", branch, xid, fileName), "/", ":")
	return filepath.Join(x.args.Dir, replayFileDir, name)
}

// Uploaded returns true if attachment of xid must not be uploaded again
func (x *ReplayService) Uploaded(branch, xid, fileName string) (bool, error) {
	if x.args.Replay && x.ledger != nil {
		found, err := x.ledger.Contains(xid)
		if err != nil || found {
			return found, err
		}
	}

	if x.args.Record {
		if _, err := os.Stat(x.filePath(branch, xid, fileName)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// MarkUploaded records xid in ledger and writes a local copy of content
func (x *ReplayService) MarkUploaded(branch, xid, fileName string, content []byte) error {
	if !x.args.Record {
		return nil
	}
	if err := x.ledger.Append(xid); err != nil {
		return err
	}

	path := x.filePath(branch, xid, fileName)
	if err := ioutil.WriteFile(path, content, 0644); err != nil {
		return errors.Wrap(err, "Failed to write file copy").With("path", path)
	}
	return nil
}

// Close removes the state directory unless replay mode is active
func (x *ReplayService) Close() error {
	if x.args.Replay || x.args.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(x.args.Dir); err != nil {
		return errors.Wrap(err, "Failed to remove replay directory").With("dir", x.args.Dir)
	}
	return nil
}
