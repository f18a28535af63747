package outbox

import (
	"context"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/api/normalize"
	"github.com/aidss/lisbridge/api/pipeline"
	"github.com/aidss/lisbridge/api/queue"
	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vova616/xxhash"
)

// ErrFull is returned when the outbox has no room for a message.
var ErrFull = errors.New("outbox is full")

// Message is one result message waiting for delivery to the LIS.
type Message struct {
	ControlID string    `json:"control_id"`
	Order     string    `json:"order"`
	JobID     string    `json:"job_id"`
	Sample    string    `json:"sample"`
	Model     string    `json:"model"`
	Payload   []byte    `json:"-"`
	Queued    time.Time `json:"queued"`
}

func init() {
	// the persisted queue gob encodes its values
	gob.Register(Message{})
}

// Sender delivers a payload and returns the peer's reply.
type Sender interface {
	Send(ctx context.Context, payload []byte) ([]byte, error)
}

// Outbox holds result messages until the LIS acknowledged them. Messages are
// delivered one at a time in queue order.
type Outbox struct {
	config.Config
	queue        queue.Queue
	sender       Sender
	pollInterval time.Duration
	now          func() time.Time

	// guards the peek then dequeue of a delivery against Clear
	queueMutex *sync.Mutex

	mutex   *sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New creates an outbox on the queue selected by the configuration.
func New(cfg *config.Config, sender Sender) (*Outbox, error) {
	env := cfg.Environment
	var q queue.Queue
	if env.OutboxPersisted {
		persisted, err := queue.NewPersistedFIFOQueue(env.OutboxSize, env.OutboxDir, env.OutboxName)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open outbox")
		}
		cfg.Logger.Infof("Loaded outbox with %d messages from %s/%s", persisted.Size(), env.OutboxDir, env.OutboxName)
		q = persisted
	} else {
		// in-memory queue, messages do not survive a restart
		q = queue.NewListFIFOQueue(env.OutboxSize)
	}
	return NewWithQueue(cfg, q, sender), nil
}

// NewWithQueue creates an outbox on q.
func NewWithQueue(cfg *config.Config, q queue.Queue, sender Sender) *Outbox {
	return &Outbox{
		Config:       *cfg,
		queue:        q,
		sender:       sender,
		pollInterval: 5 * time.Second,
		now:          time.Now,
		queueMutex:   &sync.Mutex{},
		mutex:        &sync.RWMutex{},
		wake:         make(chan struct{}, 1),
	}
}

func key(order *hl7.Order, outcome pipeline.Outcome) int {
	id := fmt.Sprintf("%s|%s|%s|%d", order.ControlID, outcome.Request.Sample, outcome.Request.Model, outcome.Request.Sequence)
	return int(xxhash.Checksum32([]byte(id)))
}

// Add builds the result message of a succeeded request and queues it. A
// result already queued for the same order request is not added twice.
func (o *Outbox) Add(order *hl7.Order, outcome pipeline.Outcome) error {
	if outcome.Status != pipeline.Succeeded || outcome.Result == nil {
		return errors.Errorf("request %s/%s has no result to deliver", outcome.Request.Sample, outcome.Request.Model)
	}
	observations, err := Observations(outcome.Result)
	if err != nil {
		return err
	}
	env := hl7.Envelope{
		ControlID:    uuid.NewString(),
		ProcessingID: o.Environment.ProcessingID,
		Timestamp:    o.now(),
	}
	msg := Message{
		ControlID: env.ControlID,
		Order:     order.ControlID,
		JobID:     outcome.JobID,
		Sample:    outcome.Request.Sample,
		Model:     outcome.Request.Model,
		Payload:   hl7.BuildResult(order, outcome.Request, observations, env),
		Queued:    env.Timestamp,
	}

	ok, err := o.queue.EnqueueHashed(key(order, outcome), msg)
	if err != nil {
		return errors.Wrap(err, "failed to queue result message")
	}
	if !ok {
		return ErrFull
	}
	o.Logger.Infof("Queued result %s of order %s for %s/%s", msg.ControlID, msg.Order, msg.Sample, msg.Model)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Observations lists the OBX rows of a result: the model name, the prediction
// when there is one, the run files encoded in base64 and the best tiles.
func Observations(result *normalize.Result) ([]hl7.Observation, error) {
	name := result.ModelName
	if name == "" {
		name = result.Model
	}
	observations := []hl7.Observation{{ID: "MODEL", ValueType: hl7.ValueString, Value: name}}
	if result.Label != "" {
		observations = append(observations, hl7.Observation{ID: "PRED_LABEL", ValueType: hl7.ValueString, Value: result.Label})
	}
	if result.Score != nil {
		observations = append(observations, hl7.Observation{ID: "PRED_SCORE", ValueType: hl7.ValueNumeric, Value: strconv.FormatFloat(*result.Score, 'f', -1, 64)})
	}
	if result.Kind != registry.Tile {
		return observations, nil
	}

	for _, file := range []struct{ id, path string }{
		{"RUN", result.Run},
		{"MASK", result.Mask},
		{"TABLE", result.Table},
	} {
		if file.path == "" {
			continue
		}
		content, err := os.ReadFile(file.path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", file.path)
		}
		observations = append(observations, hl7.Observation{ID: file.id, ValueType: hl7.ValueEncoded, Value: base64.StdEncoding.EncodeToString(content)})
	}
	for i, tile := range result.TopTiles {
		observations = append(observations, hl7.Observation{
			ID:        fmt.Sprintf("TILE_%d", i+1),
			ValueType: hl7.ValueString,
			Value:     fmt.Sprintf("%d,%d,%d,%d,%s", tile.X, tile.Y, tile.Width, tile.Height, strconv.FormatFloat(tile.Score, 'f', 4, 64)),
		})
	}
	return observations, nil
}

// Start begins delivering queued messages in the background.
func (o *Outbox) Start() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	go func(done chan struct{}) {
		defer close(done)
		for {
			delivered, err := o.DeliverNext(ctx)
			if err != nil && ctx.Err() == nil {
				o.Logger.Error(err)
			}
			if delivered {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
			case <-time.After(o.pollInterval):
			}
		}
	}(o.done)
	o.Logger.Info("Started result delivery")
}

// Stop ends delivery after the message in flight.
func (o *Outbox) Stop() {
	o.mutex.Lock()
	if !o.running {
		o.mutex.Unlock()
		return
	}
	o.running = false
	o.cancel()
	done := o.done
	o.mutex.Unlock()

	<-done
	o.Logger.Info("Stopped result delivery")
}

// Running indicates whether messages are being delivered.
func (o *Outbox) Running() bool {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.running
}

// DeliverNext sends the oldest queued message and removes it once the LIS
// answered. It reports whether a message was delivered.
func (o *Outbox) DeliverNext(ctx context.Context) (bool, error) {
	item, err := o.queue.Peek()
	if err == queue.ErrEmpty || err == queue.ErrClosed {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read outbox")
	}
	msg, ok := item.(Message)
	if !ok {
		return false, errors.Errorf("unhandled outbox item type %s", reflect.TypeOf(item))
	}

	reply, err := o.sender.Send(ctx, msg.Payload)
	if err != nil {
		return false, errors.Wrapf(err, "failed to deliver result %s", msg.ControlID)
	}
	o.acknowledged(msg, reply)

	o.queueMutex.Lock()
	defer o.queueMutex.Unlock()
	head, err := o.queue.Peek()
	if err != nil {
		// cleared while sending
		return true, nil
	}
	if next, ok := head.(Message); ok && next.ControlID == msg.ControlID {
		if _, err := o.queue.Dequeue(); err != nil {
			return true, errors.Wrap(err, "failed to remove delivered result")
		}
	}
	return true, nil
}

func (o *Outbox) acknowledged(msg Message, reply []byte) {
	ack, err := hl7.ParseAck(reply)
	if err != nil {
		o.Logger.Warnf("Result %s delivered but the reply is not an acknowledgment: %v", msg.ControlID, err)
		return
	}
	if ack.ControlID != msg.ControlID {
		o.Logger.Warnf("Result %s acknowledged with control id %s", msg.ControlID, ack.ControlID)
	}
	if ack.Code != hl7.ApplicationAccept {
		o.Logger.Warnf("LIS answered result %s for %s/%s with %s: %v", msg.ControlID, msg.Sample, msg.Model, ack.Code, ack.Errors)
		return
	}
	o.Logger.Infof("LIS accepted result %s for %s/%s", msg.ControlID, msg.Sample, msg.Model)
}

// Pending returns the queued messages in delivery order.
func (o *Outbox) Pending() ([]Message, error) {
	items, err := o.queue.GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list outbox")
	}
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		msg, ok := item.(Message)
		if !ok {
			return nil, errors.Errorf("unhandled outbox item type %s", reflect.TypeOf(item))
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Size returns the number of queued messages.
func (o *Outbox) Size() int {
	return o.queue.Size()
}

// Clear drops every queued message and returns how many were dropped.
func (o *Outbox) Clear() (int, error) {
	o.queueMutex.Lock()
	defer o.queueMutex.Unlock()
	dropped, err := o.queue.Drain()
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear outbox")
	}
	o.Logger.Warnf("Dropped %d undelivered results", len(dropped))
	return len(dropped), nil
}

// Close stops delivery and closes the queue.
func (o *Outbox) Close() error {
	o.Stop()
	return o.queue.Close()
}
