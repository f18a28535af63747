package queue

import (
	"container/list"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
	// ErrEmpty is returned by non blocking reads of an empty queue.
	ErrEmpty = errors.New("queue is empty")
)

// Queue defines a bounded FIFO queue. Enqueue reports false when the queue is
// full. Items enqueued with a key are only added once while queued.
type Queue interface {
	Enqueue(x interface{}) (bool, error)
	EnqueueHashed(key int, x interface{}) (bool, error)
	// Dequeue removes the oldest item. The in-memory queue blocks while empty
	// and the persisted queue returns ErrEmpty.
	Dequeue() (interface{}, error)
	// Peek returns the oldest item without removing it, or ErrEmpty.
	Peek() (interface{}, error)
	// Drain removes and returns every queued item.
	Drain() ([]interface{}, error)
	Close() error
	Size() int
	GetAll() ([]interface{}, error)
}

type queuedItem struct {
	Key   int
	Value interface{}
}

// ListFIFOQueue is a FIFO queue implementation based on a doubly linked list.
type ListFIFOQueue struct {
	queue  *list.List
	hashes map[int]bool
	size   int
	closed bool
	mutex  *sync.RWMutex
	cond   *sync.Cond
}

// NewListFIFOQueue creates a queue that is immediately ready to receive
// enqueue requests. The size of the queue is limited by the `size` parameter.
func NewListFIFOQueue(size int) *ListFIFOQueue {
	mutex := &sync.RWMutex{}

	return &ListFIFOQueue{
		queue:  list.New(),
		hashes: map[int]bool{},
		size:   size,
		mutex:  mutex,
		cond:   sync.NewCond(mutex),
	}
}

// Enqueue adds a new item to the queue. If the queue is full, the item will not
// be added, and the function will return `false`.
func (r *ListFIFOQueue) Enqueue(x interface{}) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return false, ErrClosed
	}

	if r.queue.Len() < r.size {
		r.queue.PushBack(&queuedItem{Value: x})
		r.cond.Signal()
		return true, nil
	}
	return false, nil
}

// EnqueueHashed adds a new item to the queue if an item with the same key isn't
// already queued. If an entry already exists the item is dropped but true is
// still returned.
func (r *ListFIFOQueue) EnqueueHashed(key int, x interface{}) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return false, ErrClosed
	}

	if r.hashes[key] {
		return true, nil
	}
	if r.queue.Len() < r.size {
		r.queue.PushBack(&queuedItem{Value: x, Key: key})
		r.hashes[key] = true
		// signal that there's data available
		r.cond.Signal()
		return true, nil
	}
	return false, nil
}

// Dequeue removes an item from the queue. If the queue is empty, the operation
// blocks until an item arrives or the queue is closed.
func (r *ListFIFOQueue) Dequeue() (interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// wait until there's data
	for r.queue.Len() == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return nil, ErrClosed
	}
	return r.remove(r.queue.Front()), nil
}

func (r *ListFIFOQueue) remove(e *list.Element) interface{} {
	value := e.Value.(*queuedItem)
	r.queue.Remove(e)
	delete(r.hashes, value.Key)
	return value.Value
}

// Peek returns the next item without removing it.
func (r *ListFIFOQueue) Peek() (interface{}, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}
	front := r.queue.Front()
	if front == nil {
		return nil, ErrEmpty
	}
	return front.Value.(*queuedItem).Value, nil
}

// Drain removes every queued item and returns them in queue order. Draining a
// closed queue returns the items left behind at close.
func (r *ListFIFOQueue) Drain() ([]interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	drained := make([]interface{}, 0, r.queue.Len())
	for r.queue.Len() > 0 {
		drained = append(drained, r.remove(r.queue.Front()))
	}
	return drained, nil
}

// Size returns the current size of the queue.
func (r *ListFIFOQueue) Size() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.queue.Len()
}

// Close closes the queue forbidding further enqueues and waking up every
// blocked Dequeue.
func (r *ListFIFOQueue) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return errors.New("no close of previously closed queue")
	}

	r.closed = true
	r.cond.Broadcast()
	return nil
}

// GetAll retrieves all the contents in the queue
func (r *ListFIFOQueue) GetAll() ([]interface{}, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	listCopy := make([]interface{}, 0, r.queue.Len())
	for current := r.queue.Front(); current != nil; current = current.Next() {
		item, ok := current.Value.(*queuedItem)
		if !ok {
			return nil, errors.Errorf("unexpected type %s", reflect.TypeOf(current.Value))
		}
		listCopy = append(listCopy, item.Value)
	}
	return listCopy, nil
}
