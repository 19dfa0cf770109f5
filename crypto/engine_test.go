package crypto

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Slow derivations and fast encrypts submitted together must each get
// their own result back, regardless of completion order.
func TestEngineConcurrentRequestsCorrelate(t *testing.T) {
	e, err := NewEngine(WithWorkers(4))
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	key, err := e.GenerateKey(ctx)
	require.NoError(t, err)

	params := fastArgon2Params(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				k, err := e.DeriveKey(ctx, []byte("pw"), params)
				require.NoError(t, err)
				require.Len(t, k, KeyLength)
				return
			}
			plaintext := bytes.Repeat([]byte{byte(i)}, 64)
			env, err := e.Encrypt(ctx, plaintext, key)
			require.NoError(t, err)
			got, err := e.Decrypt(ctx, env, key)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		}()
	}
	wg.Wait()
}

func TestEngineContextCancellation(t *testing.T) {
	e, err := NewEngine(WithWorkers(1))
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.GenerateKey(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngineCloseFailsRequests(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	e.Close()

	_, err = e.GenerateKey(context.Background())
	require.ErrorIs(t, err, ErrEngineClosed)

	// Close is idempotent.
	e.Close()
}

func TestEngineCloseUnblocksInFlight(t *testing.T) {
	e, err := NewEngine(WithWorkers(1))
	require.NoError(t, err)

	// Saturate the single worker with a slow derivation so a second
	// request is still queued when Close runs.
	params := fastArgon2Params(t)
	params.Iterations = 4

	results := make(chan error, 4)
	for n := 0; n < 4; n++ {
		go func() {
			_, err := e.DeriveKey(context.Background(), []byte("pw"), params)
			results <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	e.Close()

	for n := 0; n < 4; n++ {
		select {
		case err := <-results:
			if err != nil {
				require.ErrorIs(t, err, ErrEngineClosed)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("request did not unblock after Close")
		}
	}
}

func TestPayloadCodecCompressesLargePayloads(t *testing.T) {
	codec, err := newPayloadCodec()
	require.NoError(t, err)
	defer codec.close()

	large := bytes.Repeat([]byte("repetitive notebook text "), 1024)
	framed := codec.encode(large)
	require.Less(t, len(framed), len(large))

	got, err := codec.decode(framed)
	require.NoError(t, err)
	require.Equal(t, large, got)
}

func TestPayloadCodecIdentitySmallPayloads(t *testing.T) {
	codec, err := newPayloadCodec()
	require.NoError(t, err)
	defer codec.close()

	small := []byte("short")
	framed := codec.encode(small)
	require.Equal(t, len(small)+len(payloadMagic)+1, len(framed))

	got, err := codec.decode(framed)
	require.NoError(t, err)
	require.Equal(t, small, got)
}

func TestPayloadCodecRejectsBadFrame(t *testing.T) {
	codec, err := newPayloadCodec()
	require.NoError(t, err)
	defer codec.close()

	_, err = codec.decode([]byte("not a frame"))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = codec.decode([]byte{})
	require.ErrorIs(t, err, ErrInvalidPayload)

	bad := append([]byte("RSP1"), 99)
	_, err = codec.decode(append(bad, []byte("body")...))
	require.ErrorIs(t, err, ErrInvalidPayload)
}
