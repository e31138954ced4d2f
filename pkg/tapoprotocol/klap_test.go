package tapoprotocol

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/internal/logger"
	"github.com/johnpr01/tapo-session/pkg/tapocrypto"
)

// klapFixtureServer replicates a device's KLAP endpoint exactly
// enough to exercise a real client handshake + one request/response
// round trip end to end.
type klapFixtureServer struct {
	authHash   []byte
	remoteSeed []byte
	localSeed  []byte

	sessionKey []byte
	ivPrefix   []byte
	sig        []byte
	seq        int32

	failRequests int
}

func newKlapFixtureServer(username, password string) *klapFixtureServer {
	return &klapFixtureServer{
		authHash:   calcAuthHash(username, password),
		remoteSeed: []byte("0123456789abcdef"),
	}
}

// newLegacyKlapFixtureServer hashes with the bare SHA1(password) form
// some older firmware uses instead of the full auth hash.
func newLegacyKlapFixtureServer(password string) *klapFixtureServer {
	return &klapFixtureServer{
		authHash:   tapocrypto.Sha1([]byte(password)),
		remoteSeed: []byte("0123456789abcdef"),
	}
}

func (s *klapFixtureServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/handshake1", func(w http.ResponseWriter, r *http.Request) {
		localSeed, _ := io.ReadAll(r.Body)
		s.localSeed = localSeed

		serverHash := tapocrypto.Sha256(tapocrypto.Concat(localSeed, s.remoteSeed, s.authHash))
		w.Header().Set("Set-Cookie", "TP_SESSIONID=fixture-session; Path=/app")
		w.Write(tapocrypto.Concat(s.remoteSeed, serverHash))
	})
	mux.HandleFunc("/app/handshake2", func(w http.ResponseWriter, r *http.Request) {
		localHash := tapocrypto.Concat(s.localSeed, s.remoteSeed, s.authHash)
		sessionKeyFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("lsk"), localHash))
		s.sessionKey = sessionKeyFull[:16]
		ivFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("iv"), localHash))
		s.ivPrefix = ivFull[:12]
		s.seq = int32(binary.BigEndian.Uint32(ivFull[28:32]))
		sigFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("ldk"), localHash))
		s.sig = sigFull[:28]
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/app/request", func(w http.ResponseWriter, r *http.Request) {
		if s.failRequests > 0 {
			s.failRequests--
			w.WriteHeader(http.StatusForbidden)
			return
		}

		wireBody, _ := io.ReadAll(r.Body)
		s.seq++
		plaintext, err := decryptWith(s.sessionKey, s.ivPrefix, s.sig, s.seq, wireBody)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req Request
		_ = json.Unmarshal(plaintext, &req)

		respPlain, _ := json.Marshal(map[string]interface{}{
			"error_code": 0,
			"result":     map[string]interface{}{"device_on": true, "echo_method": req.Method},
		})
		wire, _ := encryptWith(s.sessionKey, s.ivPrefix, s.sig, s.seq, respPlain)
		w.Write(wire)
	})
	return mux
}

func encryptWith(key, ivPrefix, sig []byte, seq int32, plaintext []byte) ([]byte, error) {
	seqBytes := seqToBytes(seq)
	iv := tapocrypto.Concat(ivPrefix, seqBytes)
	ciphertext, err := tapocrypto.AESCBCEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	signature := tapocrypto.Sha256(tapocrypto.Concat(sig, seqBytes, ciphertext))
	return tapocrypto.Concat(signature, ciphertext), nil
}

func decryptWith(key, ivPrefix, sig []byte, seq int32, wireBody []byte) ([]byte, error) {
	signature := wireBody[:32]
	ciphertext := wireBody[32:]
	seqBytes := seqToBytes(seq)
	expected := tapocrypto.Sha256(tapocrypto.Concat(sig, seqBytes, ciphertext))
	if string(expected) != string(signature) {
		return nil, errBadSignature
	}
	iv := tapocrypto.Concat(ivPrefix, seqBytes)
	return tapocrypto.AESCBCDecrypt(key, iv, ciphertext)
}

var errBadSignature = &testError{"bad signature"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestKlapHappyPath(t *testing.T) {
	fixture := newKlapFixtureServer("test_user", "test_pass")
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	proto := NewKlapProtocol(server.Listener.Addr().String(), Credential{Username: "test_user", Password: "test_pass"}, 0, logger.NopLogger{})

	if err := proto.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if proto.state != klapOperational {
		t.Fatalf("expected state klapOperational, got %v", proto.state)
	}

	firstSeq := proto.seq
	resp, err := proto.Execute(context.Background(), GetDeviceInfo())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.ErrorCode != 0 {
		t.Errorf("expected error_code 0, got %d", resp.ErrorCode)
	}
	if proto.seq <= firstSeq {
		t.Errorf("expected seq to strictly increase, had %d now %d", firstSeq, proto.seq)
	}
}

func TestKlapSessionExpiryRetriesOnce(t *testing.T) {
	fixture := newKlapFixtureServer("test_user", "test_pass")
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	proto := NewKlapProtocol(server.Listener.Addr().String(), Credential{Username: "test_user", Password: "test_pass"}, 0, logger.NopLogger{})
	if err := proto.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fixture.failRequests = 1
	resp, err := proto.Execute(context.Background(), GetDeviceInfo())
	if err != nil {
		t.Fatalf("expected Execute to recover from one HTTP 403 via re-handshake, got error: %v", err)
	}
	if resp.ErrorCode != 0 {
		t.Errorf("expected error_code 0 after recovery, got %d", resp.ErrorCode)
	}
}

func TestKlapSecondRejectionSurfacesAsTransport(t *testing.T) {
	fixture := newKlapFixtureServer("test_user", "test_pass")
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	proto := NewKlapProtocol(server.Listener.Addr().String(), Credential{Username: "test_user", Password: "test_pass"}, 0, logger.NopLogger{})
	if err := proto.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fixture.failRequests = 2
	_, err := proto.Execute(context.Background(), GetDeviceInfo())
	if err == nil {
		t.Fatalf("expected a second HTTP 403 to fail the call")
	}
	sessErr, ok := errors.AsSessionError(err)
	if !ok || sessErr.Kind != errors.ErrorKindTransport {
		t.Fatalf("expected a transport error after two rejections, got %v", err)
	}
}

func TestKlapLegacyAuthHashFallback(t *testing.T) {
	fixture := newLegacyKlapFixtureServer("test_pass")
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	proto := NewKlapProtocol(server.Listener.Addr().String(), Credential{Username: "test_user", Password: "test_pass"}, 0, logger.NopLogger{})
	if err := proto.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed against a legacy-hash device: %v", err)
	}

	resp, err := proto.Execute(context.Background(), GetDeviceInfo())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.ErrorCode != 0 {
		t.Errorf("expected error_code 0, got %d", resp.ErrorCode)
	}
}
