package queue

import (
	"os"
	"path"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"github.com/uncharted-causemos/dque"
)

const queueSegmentSize = 50

// PersistedFIFOQueue is a FIFO queue backed by segment files on disk, so queued
// items survive restarts. Values are gob encoded; concrete types stored behind
// interfaces must be registered with gob.
type PersistedFIFOQueue struct {
	queue  *dque.DQue
	size   int
	hashes map[int]bool
	mutex  *sync.RWMutex
}

func queuedItemBuilder() interface{} {
	return &queuedItem{}
}

// keySetBuilder collects the keys of the items loaded from disk.
type keySetBuilder struct {
	keys map[int]bool
}

func (k *keySetBuilder) Apply(entry interface{}) error {
	item, ok := entry.(*queuedItem)
	if !ok {
		return errors.Errorf("unexpected type %s", reflect.TypeOf(entry))
	}
	if item.Key != 0 {
		k.keys[item.Key] = true
	}
	return nil
}

// NewPersistedFIFOQueue opens the queue named queueName under queueDir,
// creating it when missing. The size of the queue is limited by the `size`
// parameter.
func NewPersistedFIFOQueue(size int, queueDir string, queueName string) (*PersistedFIFOQueue, error) {
	queuePath := path.Join(queueDir, queueName)

	var (
		queue *dque.DQue
		err   error
	)
	if _, statErr := os.Stat(queuePath); os.IsNotExist(statErr) {
		if err = os.MkdirAll(queueDir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "failed to create queue dir %s", queueDir)
		}
		queue, err = dque.New(queueName, queueDir, queueSegmentSize, queuedItemBuilder)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to initialize queue %s", queuePath)
		}
	} else {
		queue, err = dque.Open(queueName, queueDir, queueSegmentSize, queuedItemBuilder)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load queue %s", queuePath)
		}
	}

	builder := keySetBuilder{keys: map[int]bool{}}
	if err := queue.ApplyToQueue(&builder); err != nil {
		return nil, errors.Wrapf(err, "failed to rebuild key set for %s", queuePath)
	}

	return &PersistedFIFOQueue{
		queue:  queue,
		size:   size,
		hashes: builder.keys,
		mutex:  &sync.RWMutex{},
	}, nil
}

func translate(err error, msg string) error {
	switch err {
	case dque.ErrEmpty:
		return ErrEmpty
	case dque.ErrQueueClosed:
		return ErrClosed
	}
	return errors.Wrap(err, msg)
}

// Enqueue adds a new item to the queue. If the queue is full, the item will not
// be added, and the function will return `false`.
func (r *PersistedFIFOQueue) Enqueue(x interface{}) (bool, error) {
	return r.EnqueueHashed(0, x)
}

// EnqueueHashed adds a new item to the queue if an item with the same non zero
// key isn't already queued. If an entry already exists, the item won't be
// added, but true will still be returned.
func (r *PersistedFIFOQueue) EnqueueHashed(key int, x interface{}) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if key != 0 && r.hashes[key] {
		return true, nil
	}
	if r.queue.Size() >= r.size {
		return false, nil
	}
	if err := r.queue.Enqueue(&queuedItem{Value: x, Key: key}); err != nil {
		return false, translate(err, "failed to enqueue")
	}
	if key != 0 {
		r.hashes[key] = true
	}
	return true, nil
}

// Dequeue removes the oldest item, returning ErrEmpty when there is none.
func (r *PersistedFIFOQueue) Dequeue() (interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	result, err := r.queue.Dequeue()
	if err != nil {
		return nil, translate(err, "failed to dequeue")
	}
	item := result.(*queuedItem)
	delete(r.hashes, item.Key)
	return item.Value, nil
}

// Peek returns the oldest item without removing it.
func (r *PersistedFIFOQueue) Peek() (interface{}, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result, err := r.queue.Peek()
	if err != nil {
		return nil, translate(err, "failed to peek")
	}
	return result.(*queuedItem).Value, nil
}

// Drain removes every queued item and returns them in queue order.
func (r *PersistedFIFOQueue) Drain() ([]interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// the underlying queue has no clear function so it is drained one by one
	count := r.queue.Size()
	drained := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		result, err := r.queue.Dequeue()
		if err != nil {
			return drained, translate(err, "failed to drain queue")
		}
		drained = append(drained, result.(*queuedItem).Value)
	}
	r.hashes = map[int]bool{}
	return drained, nil
}

// Size returns the current size of the queue.
func (r *PersistedFIFOQueue) Size() int {
	return r.queue.Size()
}

// Close flushes state to disk and disallows any further operations.
func (r *PersistedFIFOQueue) Close() error {
	return errors.Wrap(r.queue.Close(), "failed to close queue")
}

// contents collects the values of the queued items in order.
type contents struct {
	values []interface{}
}

func (c *contents) Apply(entry interface{}) error {
	item, ok := entry.(*queuedItem)
	if !ok {
		return errors.Errorf("unexpected type %s", reflect.TypeOf(entry))
	}
	c.values = append(c.values, item.Value)
	return nil
}

// GetAll retrieves all of the contents in the queue
func (r *PersistedFIFOQueue) GetAll() ([]interface{}, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	c := contents{values: make([]interface{}, 0, r.queue.Size())}
	if err := r.queue.ApplyToQueue(&c); err != nil {
		return nil, translate(err, "failed to read queue")
	}
	return c.values, nil
}
