package gateway

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/taskmesh/gateway/internal/protocol"
)

// requestKind tags a pending request so the handshake exchange can share the
// correlation table (and its timeout/cleanup behavior) with application calls
// without being visible to them.
type requestKind int

const (
	kindApplication requestKind = iota
	kindHandshake
)

// callResult is delivered exactly once per pending request.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one outstanding request awaiting its response.
type pendingRequest struct {
	id     string
	method string
	kind   requestKind
	// ch is buffered so the read loop never blocks on delivery.
	ch chan callResult
}

// pendingTable maps correlation ids to waiting callers. It owns id
// generation: ids are monotonically increasing for the process lifetime and
// never reused, so responses cannot be misattributed across reconnects.
type pendingTable struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// register allocates a fresh correlation id and stores a new entry.
func (t *pendingTable) register(method string, kind requestKind) *pendingRequest {
	entry := &pendingRequest{
		id:     strconv.FormatUint(t.nextID.Add(1), 10),
		method: method,
		kind:   kind,
		ch:     make(chan callResult, 1),
	}
	t.mu.Lock()
	t.entries[entry.id] = entry
	t.mu.Unlock()
	return entry
}

// remove takes an entry out of the table. It returns nil if the entry was
// already resolved, which makes resolution exactly-once: whoever removes the
// entry owns delivering its result.
func (t *pendingTable) remove(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return entry
}

// resolve routes a response frame to its waiting caller. It returns the
// matched entry, or nil when no entry matches (late response after a timeout,
// for instance).
func (t *pendingTable) resolve(res *protocol.Response) *pendingRequest {
	entry := t.remove(res.ID)
	if entry == nil {
		return nil
	}

	if res.OK {
		entry.ch <- callResult{payload: res.Payload}
		return entry
	}

	remoteErr := &Error{Kind: ErrKindRemote, Message: "request failed"}
	if res.Error != nil {
		remoteErr.Message = res.Error.Message
		remoteErr.Code = res.Error.Code
	}
	entry.ch <- callResult{err: remoteErr}
	return entry
}

// failAll rejects every outstanding entry with the given error and clears the
// table. Used on connection loss.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.ch <- callResult{err: err}
	}
}

// size returns the number of outstanding requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
