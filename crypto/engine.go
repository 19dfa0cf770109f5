package crypto

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedyibbi/runestone/telemetry"
)

// ErrEngineClosed is returned for every request pending or submitted
// after the engine shuts down. Worker failure is uniform: callers cannot
// tell which in-flight request was the cause.
var ErrEngineClosed = errors.New("crypto: engine closed")

// DefaultWorkers is the default size of the engine's worker pool. Key
// derivation is deliberately slow, so a little parallelism keeps fast
// encrypt/decrypt requests from queueing behind it.
const DefaultWorkers = 2

type opKind int

const (
	opDeriveKey opKind = iota
	opGenerateKey
	opEncrypt
	opDecrypt
	opEncryptPacked
	opDecryptPacked
)

func (k opKind) String() string {
	switch k {
	case opDeriveKey:
		return "derive_key"
	case opGenerateKey:
		return "generate_key"
	case opEncrypt:
		return "encrypt"
	case opDecrypt:
		return "decrypt"
	case opEncryptPacked:
		return "encrypt_packed"
	case opDecryptPacked:
		return "decrypt_packed"
	default:
		return "unknown"
	}
}

// request carries one operation to the worker pool. Byte slices are
// handed over by reference, never copied; callers must not reuse them
// until the matching response arrives.
type request struct {
	id string
	op opKind

	passphrase []byte
	params     KDFParams
	key        []byte
	plaintext  []byte
	envelope   Envelope
	packed     []byte
}

type response struct {
	id string

	key       []byte
	envelope  Envelope
	plaintext []byte
	packed    []byte
	err       error
}

// Engine runs the crypto primitives on a dedicated worker pool, isolated
// from the caller's control flow. Each request carries a unique
// correlation id; a dispatcher matches responses to waiting callers by
// id, never by arrival order, because a key derivation can take far
// longer than an encrypt submitted after it.
type Engine struct {
	logger  *slog.Logger
	workers int

	requests  chan *request
	responses chan *response
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan *response
	closed  bool

	codec *payloadCodec
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine creates an engine and starts its workers.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		requests:  make(chan *request),
		responses: make(chan *response),
		done:      make(chan struct{}),
		pending:   make(map[string]chan *response),
	}
	for _, opt := range opts {
		opt(e)
	}

	codec, err := newPayloadCodec()
	if err != nil {
		return nil, err
	}
	e.codec = codec

	e.wg.Add(1)
	go e.dispatch()
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e, nil
}

// Close shuts the engine down. All pending requests fail with
// ErrEngineClosed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()

		e.mu.Lock()
		e.closed = true
		for id, ch := range e.pending {
			ch <- &response{id: id, err: ErrEngineClosed}
			delete(e.pending, id)
		}
		e.mu.Unlock()

		e.codec.close()
	})
}

// dispatch matches responses to waiting callers by correlation id.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case resp := <-e.responses:
			e.mu.Lock()
			ch, ok := e.pending[resp.id]
			if ok {
				delete(e.pending, resp.id)
			}
			e.mu.Unlock()
			if ok {
				ch <- resp
			}
		case <-e.done:
			return
		}
	}
}

// work executes requests until shutdown.
func (e *Engine) work() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.requests:
			resp := e.execute(req)
			select {
			case e.responses <- resp:
			case <-e.done:
				return
			}
		case <-e.done:
			return
		}
	}
}

func (e *Engine) execute(req *request) *response {
	start := time.Now()
	defer func() {
		telemetry.RecordCryptoOp(context.Background(), req.op.String(), time.Since(start))
	}()

	resp := &response{id: req.id}
	switch req.op {
	case opDeriveKey:
		resp.key, resp.err = deriveKey(req.passphrase, req.params)
	case opGenerateKey:
		resp.key, resp.err = generateKey()
	case opEncrypt:
		resp.envelope, resp.err = encrypt(req.plaintext, req.key)
	case opDecrypt:
		resp.plaintext, resp.err = decrypt(req.envelope, req.key)
	case opEncryptPacked:
		env, err := encrypt(e.codec.encode(req.plaintext), req.key)
		if err != nil {
			resp.err = err
			break
		}
		resp.packed = env.Pack()
	case opDecryptPacked:
		env, err := Unpack(req.packed)
		if err != nil {
			resp.err = err
			break
		}
		framed, err := decrypt(env, req.key)
		if err != nil {
			resp.err = err
			break
		}
		resp.plaintext, resp.err = e.codec.decode(framed)
	}
	return resp
}

// call submits a request and suspends until the matching response
// arrives, the context is cancelled, or the engine shuts down.
func (e *Engine) call(ctx context.Context, req *request) (*response, error) {
	req.id = uuid.NewString()
	ch := make(chan *response, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.pending[req.id] = ch
	e.mu.Unlock()

	select {
	case e.requests <- req:
	case <-ctx.Done():
		e.forget(req.id)
		return nil, ctx.Err()
	case <-e.done:
		e.forget(req.id)
		return nil, ErrEngineClosed
	}

	select {
	case resp := <-ch:
		return resp, resp.err
	case <-ctx.Done():
		e.forget(req.id)
		return nil, ctx.Err()
	case <-e.done:
		e.forget(req.id)
		return nil, ErrEngineClosed
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// DeriveKey derives a 32-byte wrapping key from a passphrase using the
// algorithm and cost parameters in params.
func (e *Engine) DeriveKey(ctx context.Context, passphrase []byte, params KDFParams) ([]byte, error) {
	resp, err := e.call(ctx, &request{op: opDeriveKey, passphrase: passphrase, params: params})
	if err != nil {
		return nil, err
	}
	return resp.key, nil
}

// GenerateKey generates a cryptographically random symmetric key.
func (e *Engine) GenerateKey(ctx context.Context) ([]byte, error) {
	resp, err := e.call(ctx, &request{op: opGenerateKey})
	if err != nil {
		return nil, err
	}
	return resp.key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh nonce.
func (e *Engine) Encrypt(ctx context.Context, plaintext, key []byte) (Envelope, error) {
	resp, err := e.call(ctx, &request{op: opEncrypt, plaintext: plaintext, key: key})
	if err != nil {
		return Envelope{}, err
	}
	return resp.envelope, nil
}

// Decrypt decrypts an envelope. Any tag mismatch is
// ErrAuthenticationFailed; decryption fails closed.
func (e *Engine) Decrypt(ctx context.Context, env Envelope, key []byte) ([]byte, error) {
	resp, err := e.call(ctx, &request{op: opDecrypt, envelope: env, key: key})
	if err != nil {
		return nil, err
	}
	return resp.plaintext, nil
}

// EncryptAndPack frames the plaintext (compressing large payloads),
// encrypts it, and returns packed envelope bytes ready for a tier.
func (e *Engine) EncryptAndPack(ctx context.Context, plaintext, key []byte) ([]byte, error) {
	resp, err := e.call(ctx, &request{op: opEncryptPacked, plaintext: plaintext, key: key})
	if err != nil {
		return nil, err
	}
	return resp.packed, nil
}

// UnpackAndDecrypt reverses EncryptAndPack, returning the original
// plaintext bytes exactly.
func (e *Engine) UnpackAndDecrypt(ctx context.Context, packed, key []byte) ([]byte, error) {
	resp, err := e.call(ctx, &request{op: opDecryptPacked, packed: packed, key: key})
	if err != nil {
		return nil, err
	}
	return resp.plaintext, nil
}
