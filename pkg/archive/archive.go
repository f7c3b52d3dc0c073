// Package archive records the events traffic of logical connections and
// uploads it to S3 when each connection ends.
//
// Every events frame, sent or received, is appended as one JSON line to a
// buffer keyed by socket and connId. When the connection is torn down (or
// its handshake fails, or the transport closes) the buffer is uploaded as
//
//	<prefix>/<socketID>/<connID>-<unix>.jsonl
//
// Uploads run in the background. Failures are logged and counted; they
// never reach the socket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/socket"
)

// PutObjectAPI is the subset of *s3.Client used by the Recorder.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures a Recorder.
type Config struct {
	// Bucket is the destination bucket. Required.
	Bucket string

	// Prefix is prepended to every object key.
	// Default: "connmux".
	Prefix string

	// UploadTimeout bounds each background upload.
	// Default: 30 seconds.
	UploadTimeout time.Duration

	// Logger is the recorder logger.
	// Default: slog.Default() with component=archive.
	Logger *slog.Logger

	// Now returns the time used in object keys and records.
	// Default: time.Now.
	Now func() time.Time
}

// Stats counts recorder activity.
type Stats struct {
	Uploaded int64
	Failed   int64
	Pending  int
}

// record is one line of an archive object.
type record struct {
	Direction string            `json:"direction"`
	Seq       int64             `json:"seq"`
	Time      time.Time         `json:"time"`
	Values    []json.RawMessage `json:"values"`
}

type bufferKey struct {
	socketID string
	connID   string
}

// Recorder buffers events per connection and uploads them through a
// PutObjectAPI.
type Recorder struct {
	client PutObjectAPI
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[bufferKey]*bytes.Buffer

	// inflight counts background uploads; idle is closed while it is zero.
	inflight int
	idle     chan struct{}

	uploaded atomic.Int64
	failed   atomic.Int64
}

// ErrNoBucket is returned by NewRecorder when Config.Bucket is empty.
var ErrNoBucket = errors.New("archive: bucket is required")

// NewRecorder creates a Recorder uploading to config.Bucket.
func NewRecorder(client PutObjectAPI, config Config) (*Recorder, error) {
	if config.Bucket == "" {
		return nil, ErrNoBucket
	}
	if config.Prefix == "" {
		config.Prefix = "connmux"
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "archive")
	}

	idle := make(chan struct{})
	close(idle)

	return &Recorder{
		client:  client,
		config:  config,
		logger:  logger.With("bucket", config.Bucket),
		buffers: make(map[bufferKey]*bytes.Buffer),
		idle:    idle,
	}, nil
}

// Attach returns a socket option that records the socket's events traffic.
func (r *Recorder) Attach() socket.Option {
	return func(s *socket.Socket) {
		socket.WithObserver(r)(s)

		s.OnDisconnect(func(body protocol.DisconnectBody, _ int64, s *socket.Socket) {
			r.finish(s.ID(), body.ConnID)
		})
		s.OnConnectFail(func(body protocol.DisconnectBody, _ int64, s *socket.Socket) {
			r.finish(s.ID(), body.ConnID)
		})
		s.OnClose(func(_ int, _ string, s *socket.Socket) {
			r.finishSocket(s.ID())
		})
	}
}

// ObserveFrame implements socket.FrameObserver.
func (r *Recorder) ObserveFrame(s *socket.Socket, dir socket.Direction, f protocol.Frame, _ int) {
	body, ok := f.Body.(protocol.EventsBody)
	if !ok {
		return
	}

	line, err := json.Marshal(record{
		Direction: dir.String(),
		Seq:       f.Seq,
		Time:      r.config.Now().UTC(),
		Values:    body.Values,
	})
	if err != nil {
		r.logger.Warn("record encode failed", "conn_id", body.ConnID, "error", err)
		return
	}

	key := bufferKey{socketID: s.ID(), connID: body.ConnID}

	r.mu.Lock()
	buf, ok := r.buffers[key]
	if !ok {
		buf = &bytes.Buffer{}
		r.buffers[key] = buf
	}
	buf.Write(line)
	buf.WriteByte('\n')
	r.mu.Unlock()
}

// Flush uploads every pending buffer and waits for background uploads,
// including ones started while it runs.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.buffers
	r.buffers = make(map[bufferKey]*bytes.Buffer)
	r.mu.Unlock()

	var errs []error
	for key, buf := range pending {
		if err := r.upload(ctx, key, buf.Bytes()); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.waitIdle(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Recorder) waitIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		n, idle := r.inflight, r.idle
		r.mu.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	pending := len(r.buffers)
	r.mu.Unlock()
	return Stats{
		Uploaded: r.uploaded.Load(),
		Failed:   r.failed.Load(),
		Pending:  pending,
	}
}

// Key returns the object key for a connection archive.
func (r *Recorder) Key(socketID, connID string, at time.Time) string {
	return path.Join(r.config.Prefix, socketID, fmt.Sprintf("%s-%d.jsonl", connID, at.Unix()))
}

func (r *Recorder) finish(socketID, connID string) {
	key := bufferKey{socketID: socketID, connID: connID}

	r.mu.Lock()
	buf, ok := r.buffers[key]
	delete(r.buffers, key)
	r.mu.Unlock()

	if ok {
		r.uploadAsync(key, buf.Bytes())
	}
}

func (r *Recorder) finishSocket(socketID string) {
	r.mu.Lock()
	taken := make(map[bufferKey]*bytes.Buffer)
	for key, buf := range r.buffers {
		if key.socketID == socketID {
			taken[key] = buf
			delete(r.buffers, key)
		}
	}
	r.mu.Unlock()

	for key, buf := range taken {
		r.uploadAsync(key, buf.Bytes())
	}
}

func (r *Recorder) uploadAsync(key bufferKey, data []byte) {
	r.mu.Lock()
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
	r.mu.Unlock()

	go func() {
		defer r.uploadDone()
		ctx, cancel := context.WithTimeout(context.Background(), r.config.UploadTimeout)
		defer cancel()
		r.upload(ctx, key, data)
	}()
}

func (r *Recorder) uploadDone() {
	r.mu.Lock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

func (r *Recorder) upload(ctx context.Context, key bufferKey, data []byte) error {
	objectKey := r.Key(key.socketID, key.connID, r.config.Now())

	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.config.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"socket-id":   key.socketID,
			"conn-id":     key.connID,
			"upload-time": r.config.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("archive upload failed", "key", objectKey, "error", err)
		return fmt.Errorf("archive: upload %s: %w", objectKey, err)
	}

	r.uploaded.Add(1)
	r.logger.Debug("archive uploaded", "key", objectKey, "bytes", len(data))
	return nil
}
