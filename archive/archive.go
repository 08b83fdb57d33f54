// Package archive maintains a best-effort, non-authoritative record of
// committed blocks and a secondary author_id -> message_id index, so an
// operator can query message history without holding the whole chain in
// memory. It is never consulted on the consensus hot path and never
// blocks or fails block production: the event handler only enqueues a
// block onto a buffered channel drained by a dedicated goroutine, so a
// slow or hung storage.DB write stalls the archive, not TurnManager.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/potchat/core"
	"github.com/tolelom/potchat/events"
	"github.com/tolelom/potchat/storage"
)

const (
	prefixBlock       = "archive:block:"
	prefixAuthorIndex = "archive:author:"

	// queueCapacity bounds how many appended blocks may be waiting for the
	// persistence goroutine before onBlockAppended starts dropping them.
	// Dropping (rather than blocking the caller) is what keeps archival
	// off the turn-rotation hot path.
	queueCapacity = 256
)

// Archive subscribes to block-appended events and persists them for later
// querying. It holds no consensus state and is safe to omit entirely.
type Archive struct {
	db   storage.DB
	jobs chan *core.Block
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Archive backed by db, starts its persistence goroutine,
// and subscribes it to emitter. Call Stop to drain and shut it down.
func New(db storage.DB, emitter *events.Emitter) *Archive {
	a := &Archive{
		db:   db,
		jobs: make(chan *core.Block, queueCapacity),
		stop: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	emitter.Subscribe(events.EventBlockAppended, a.onBlockAppended)
	return a
}

// Stop signals the persistence goroutine to exit once its queue drains and
// waits for it. It does not close the underlying db.
func (a *Archive) Stop() {
	close(a.stop)
	a.wg.Wait()
}

// run is the archive's dedicated persistence goroutine: the only thing
// that ever calls into a.db, so a slow write only delays archival, never
// the caller that emitted the event.
func (a *Archive) run() {
	defer a.wg.Done()
	for {
		select {
		case block := <-a.jobs:
			a.persist(block)
		case <-a.stop:
			for {
				select {
				case block := <-a.jobs:
					a.persist(block)
				default:
					return
				}
			}
		}
	}
}

// MessagesByAuthor returns the message IDs authored by authorID, in the
// order they were archived. Returns an empty slice, not an error, if the
// author has no archived messages.
func (a *Archive) MessagesByAuthor(authorID string) ([]string, error) {
	return a.getList(prefixAuthorIndex + authorID)
}

// GetArchivedBlock returns the block with the given hash, if archived.
func (a *Archive) GetArchivedBlock(hash string) (*core.Block, error) {
	data, err := a.db.Get([]byte(prefixBlock + hash))
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("archive unmarshal block %s: %w", hash, err)
	}
	return &b, nil
}

// onBlockAppended is the event handler invoked synchronously on the
// emitter's (i.e. TurnManager's) own goroutine. It only ever enqueues,
// never writes to a.db itself, so it returns in O(1) regardless of
// storage latency. A full queue means archival falls behind; the block
// is dropped and logged rather than backing up the caller.
func (a *Archive) onBlockAppended(ev events.Event) {
	block, ok := ev.Data["block"].(*core.Block)
	if !ok || block == nil {
		return
	}
	select {
	case a.jobs <- block:
	default:
		log.Printf("[archive] queue full, dropping block %s (best-effort, non-authoritative)", block.Hash)
	}
}

// persist writes one block and its message-by-author index entries. Only
// ever called from run() on the archive's own goroutine.
func (a *Archive) persist(block *core.Block) {
	if err := a.putBlock(block); err != nil {
		log.Printf("[archive] put block %s failed: %v", block.Hash, err)
		return
	}
	if block.BlockType == core.BlockChatMessage && block.Data.Chat != nil {
		if err := a.addToList(prefixAuthorIndex+block.Data.Chat.AuthorID, block.Data.Chat.MessageID); err != nil {
			log.Printf("[archive] author index write failed (author=%s): %v", block.Data.Chat.AuthorID, err)
		}
	}
	if block.BlockType == core.BlockLostMessageRecovery && block.Data.Recovery != nil {
		for _, m := range block.Data.Recovery.RecoveredMessages {
			if err := a.addToList(prefixAuthorIndex+m.AuthorID, m.MessageID); err != nil {
				log.Printf("[archive] author index write failed (author=%s): %v", m.AuthorID, err)
			}
		}
	}
}

func (a *Archive) putBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return a.db.Set([]byte(prefixBlock+block.Hash), data)
}

func (a *Archive) getList(key string) ([]string, error) {
	data, err := a.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("archive unmarshal index: %w", err)
	}
	return ids, nil
}

func (a *Archive) addToList(key, value string) error {
	ids, err := a.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return a.db.Set([]byte(key), data)
}
