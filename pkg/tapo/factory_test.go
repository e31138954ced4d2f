package tapo

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/johnpr01/tapo-session/pkg/tapocrypto"
	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

func fakeDeviceInfoProtocol(deviceInfoJSON string) *fakeProtocol {
	fp := newFakeProtocol()
	fp.on("get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(deviceInfoJSON), 0
	})
	return fp
}

func TestDispatchPlug(t *testing.T) {
	fp := fakeDeviceInfoProtocol(`{"device_id":"p1","type":"SMART.TAPOPLUG","model":"P110"}`)
	device, err := dispatch(context.Background(), fp)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := device.(*Plug); !ok {
		t.Fatalf("got %T, want *Plug", device)
	}
}

func TestDispatchPlugStripByModelSubstring(t *testing.T) {
	fp := fakeDeviceInfoProtocol(`{"device_id":"ps1","type":"SMART.TAPOPLUG","model":"P300"}`)
	device, err := dispatch(context.Background(), fp)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := device.(*PlugStrip); !ok {
		t.Fatalf("got %T, want *PlugStrip", device)
	}
}

func TestDispatchBulb(t *testing.T) {
	fp := fakeDeviceInfoProtocol(`{"device_id":"b1","type":"SMART.TAPOBULB","model":"L530"}`)
	device, err := dispatch(context.Background(), fp)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := device.(*Bulb); !ok {
		t.Fatalf("got %T, want *Bulb", device)
	}
}

func TestDispatchHub(t *testing.T) {
	fp := fakeDeviceInfoProtocol(`{"device_id":"h1","type":"SMART.TAPOHUB","model":"H100"}`)
	device, err := dispatch(context.Background(), fp)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := device.(*Hub); !ok {
		t.Fatalf("got %T, want *Hub", device)
	}
}

func TestDispatchUnknownFallsBackToGeneric(t *testing.T) {
	fp := fakeDeviceInfoProtocol(`{"device_id":"x1","type":"SMART.TAPOROBOVAC","model":"RV30"}`)
	device, err := dispatch(context.Background(), fp)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := device.(*GenericDevice); !ok {
		t.Fatalf("got %T, want *GenericDevice", device)
	}
}

// klapFallbackServer rejects the passthrough handshake with the
// wrong-transport code and then speaks full KLAP, so Connect has to
// switch protocols to reach get_device_info.
type klapFallbackServer struct {
	authHash   []byte
	remoteSeed []byte

	sessionKey []byte
	ivPrefix   []byte
	sig        []byte
}

func newKlapFallbackServer(username, password string) *klapFallbackServer {
	return &klapFallbackServer{
		authHash: tapocrypto.Sha256(tapocrypto.Concat(
			tapocrypto.Sha1([]byte(username)),
			tapocrypto.Sha1([]byte(password)),
		)),
		remoteSeed: []byte("fedcba9876543210"),
	}
}

func (s *klapFallbackServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/app", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error_code":1003}`))
	})
	mux.HandleFunc("/app/handshake1", func(w http.ResponseWriter, r *http.Request) {
		localSeed, _ := io.ReadAll(r.Body)
		serverHash := tapocrypto.Sha256(tapocrypto.Concat(localSeed, s.remoteSeed, s.authHash))

		localHash := tapocrypto.Concat(localSeed, s.remoteSeed, s.authHash)
		s.sessionKey = tapocrypto.Sha256(tapocrypto.Concat([]byte("lsk"), localHash))[:16]
		s.ivPrefix = tapocrypto.Sha256(tapocrypto.Concat([]byte("iv"), localHash))[:12]
		s.sig = tapocrypto.Sha256(tapocrypto.Concat([]byte("ldk"), localHash))[:28]

		w.Header().Set("Set-Cookie", "TP_SESSIONID=fallback-session; Path=/app")
		w.Write(tapocrypto.Concat(s.remoteSeed, serverHash))
	})
	mux.HandleFunc("/app/handshake2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/app/request", func(w http.ResponseWriter, r *http.Request) {
		seqNum, err := strconv.Atoi(r.URL.Query().Get("seq"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(seqBytes, uint32(int32(seqNum)))

		wireBody, _ := io.ReadAll(r.Body)
		if len(wireBody) < 32 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ciphertext := wireBody[32:]
		wantSig := tapocrypto.Sha256(tapocrypto.Concat(s.sig, seqBytes, ciphertext))
		if string(wantSig) != string(wireBody[:32]) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		iv := tapocrypto.Concat(s.ivPrefix, seqBytes)
		if _, err := tapocrypto.AESCBCDecrypt(s.sessionKey, iv, ciphertext); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		respPlain := []byte(`{"error_code":0,"result":{"device_id":"k1","type":"SMART.TAPOPLUG","model":"P110","device_on":true}}`)
		respCipher, _ := tapocrypto.AESCBCEncrypt(s.sessionKey, iv, respPlain)
		respSig := tapocrypto.Sha256(tapocrypto.Concat(s.sig, seqBytes, respCipher))
		w.Write(tapocrypto.Concat(respSig, respCipher))
	})
	return mux
}

func TestConnectFallsBackToKlapOnWrongTransport(t *testing.T) {
	fixture := newKlapFallbackServer("test_user", "test_pass")
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	credential := tapoprotocol.Credential{Username: "test_user", Password: "test_pass"}
	device, err := Connect(context.Background(), server.Listener.Addr().String(), credential, nil, nil)
	if err != nil {
		t.Fatalf("Connect failed to fall back to KLAP: %v", err)
	}
	defer device.Close()

	if _, ok := device.(*Plug); !ok {
		t.Fatalf("got %T, want *Plug", device)
	}
}
