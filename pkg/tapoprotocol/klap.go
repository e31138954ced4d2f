package tapoprotocol

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/internal/logger"
	"github.com/johnpr01/tapo-session/pkg/tapocrypto"
	"github.com/johnpr01/tapo-session/pkg/tapohttp"
)

// klapState is the two-stage challenge-response protocol's lifecycle.
type klapState int

const (
	klapFresh klapState = iota
	klapSeed1Sent
	klapSeed2Verified
	klapOperational
	klapExpired
)

// KlapProtocol implements the sequence-numbered AES-CBC session with
// SHA256-keyed request signing.
type KlapProtocol struct {
	mu sync.Mutex

	host       string
	credential Credential
	client     *tapohttp.Client
	log        logger.Logger

	state klapState

	localSeed  []byte
	remoteSeed []byte
	authHash   []byte

	sessionKey []byte
	ivPrefix   []byte
	sig        []byte
	seq        int32

	cookies tapohttp.RawCookies
}

// NewKlapProtocol constructs a KLAP session bound to one device host.
func NewKlapProtocol(host string, credential Credential, timeout time.Duration, log logger.Logger) *KlapProtocol {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &KlapProtocol{
		host:       fmt.Sprintf("http://%s", host),
		credential: credential,
		client:     tapohttp.NewClient(fmt.Sprintf("http://%s", host), timeout),
		log:        log,
		state:      klapFresh,
	}
}

// calcAuthHash computes auth_hash = SHA256(SHA1(username) || SHA1(password)).
func calcAuthHash(username, password string) []byte {
	return tapocrypto.Sha256(tapocrypto.Concat(
		tapocrypto.Sha1([]byte(username)),
		tapocrypto.Sha1([]byte(password)),
	))
}

// Connect runs both handshake stages and derives the session keys.
func (k *KlapProtocol) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.handshakeLocked(ctx)
}

func (k *KlapProtocol) handshakeLocked(ctx context.Context) error {
	k.authHash = calcAuthHash(k.credential.Username, k.credential.Password)

	localSeed := make([]byte, 16)
	if _, err := rand.Read(localSeed); err != nil {
		return errors.NewProtocolError("failed to generate local seed", err)
	}
	k.localSeed = localSeed

	if err := k.handshake1Locked(ctx); err != nil {
		return err
	}
	if err := k.handshake2Locked(ctx); err != nil {
		return err
	}
	k.deriveKeysLocked()
	k.state = klapOperational
	k.log.Info("KLAP session established", map[string]interface{}{"host": k.host})
	return nil
}

func (k *KlapProtocol) handshake1Locked(ctx context.Context) error {
	body, status, cookies, err := k.client.PostOctetStream(ctx, "/app/handshake1", k.localSeed, nil)
	if err != nil {
		return err
	}
	if status != 200 {
		return errors.NewTransportError(fmt.Sprintf("handshake1 returned HTTP %d", status), nil)
	}
	if len(body) < 48 {
		return errors.NewProtocolError("handshake1 response shorter than 48 bytes", nil)
	}

	remoteSeed := body[:16]
	serverHash := body[16:48]

	expected := tapocrypto.Sha256(tapocrypto.Concat(k.localSeed, remoteSeed, k.authHash))
	if !bytes.Equal(expected, serverHash) {
		// Older firmware hashes the bare SHA1(password) instead of the
		// full auth hash; accept it and keep using that form for the
		// rest of the session.
		legacyHash := tapocrypto.Sha1([]byte(k.credential.Password))
		legacyExpected := tapocrypto.Sha256(tapocrypto.Concat(k.localSeed, remoteSeed, legacyHash))
		if !bytes.Equal(legacyExpected, serverHash) {
			return errors.NewAuthError("KLAP handshake1 server hash verification failed", nil)
		}
		k.authHash = legacyHash
		k.log.Warn("device negotiated legacy KLAP auth hashing", map[string]interface{}{"host": k.host})
	}

	k.remoteSeed = remoteSeed
	k.cookies = cookies
	k.state = klapSeed1Sent
	return nil
}

func (k *KlapProtocol) handshake2Locked(ctx context.Context) error {
	payload := tapocrypto.Sha256(tapocrypto.Concat(k.remoteSeed, k.localSeed, k.authHash))

	_, status, cookies, err := k.client.PostOctetStream(ctx, "/app/handshake2", payload, k.cookies)
	if err != nil {
		return err
	}
	if status != 200 {
		return errors.NewAuthError(fmt.Sprintf("handshake2 returned HTTP %d", status), nil)
	}
	if len(cookies) > 0 {
		k.cookies = cookies
	}
	k.state = klapSeed2Verified
	return nil
}

// deriveKeysLocked computes session_key, iv_prefix, seq, and sig from
// the two seeds and the auth hash.
func (k *KlapProtocol) deriveKeysLocked() {
	localHash := tapocrypto.Concat(k.localSeed, k.remoteSeed, k.authHash)

	sessionKeyFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("lsk"), localHash))
	k.sessionKey = sessionKeyFull[:16]

	ivFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("iv"), localHash))
	k.ivPrefix = ivFull[:12]
	k.seq = int32(binary.BigEndian.Uint32(ivFull[28:32]))

	sigFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("ldk"), localHash))
	k.sig = sigFull[:28]
}

// Execute encodes req as a signed, sequence-numbered KLAP body, posts
// it, and decodes the result. On any transport or protocol error
// (HTTP 403 or another non-200 status, signature mismatch, decrypt
// failure, or a device-reported 9999 expiry) it re-handshakes once
// and retries.
func (k *KlapProtocol) Execute(ctx context.Context, req Request) (*Response, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != klapOperational {
		if err := k.handshakeLocked(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := k.sendRequestLocked(ctx, req)
	if err == nil {
		return resp, nil
	}

	sessErr, ok := errors.AsSessionError(err)
	if !ok || !sessErr.IsRetryable() {
		return nil, err
	}

	k.state = klapExpired
	if hsErr := k.handshakeLocked(ctx); hsErr != nil {
		return nil, hsErr
	}
	return k.sendRequestLocked(ctx, req)
}

func (k *KlapProtocol) sendRequestLocked(ctx context.Context, req Request) (*Response, error) {
	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewProtocolError("failed to marshal KLAP request", err)
	}

	k.seq++
	wireBody, err := k.encryptLocked(plaintext)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/app/request?seq=%d", k.seq)
	respBody, status, cookies, err := k.client.PostOctetStream(ctx, path, wireBody, k.cookies)
	if err != nil {
		return nil, err
	}
	if len(cookies) > 0 {
		k.cookies = cookies
	}
	if status == 403 {
		k.state = klapExpired
		return nil, errors.NewTransportError("KLAP session rejected (HTTP 403)", nil)
	}
	if status != 200 {
		return nil, errors.NewTransportError(fmt.Sprintf("KLAP request returned HTTP %d", status), nil)
	}

	plainResp, err := k.decryptLocked(respBody, k.seq)
	if err != nil {
		k.state = klapExpired
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(plainResp, &resp); err != nil {
		return nil, errors.NewProtocolError("failed to decode KLAP response", err)
	}
	if resp.ErrorCode == ErrCodeSessionExpired {
		k.state = klapExpired
		return nil, errors.NewProtocolError("device reported session expiry", nil)
	}
	return &resp, nil
}

// encryptLocked implements the per-request encode rule: IV =
// iv_prefix || seq_be4; ciphertext = AES-CBC(padded plaintext);
// signature = SHA256(sig || seq_be4 || ciphertext); wire = signature || ciphertext.
func (k *KlapProtocol) encryptLocked(plaintext []byte) ([]byte, error) {
	seqBytes := seqToBytes(k.seq)
	iv := tapocrypto.Concat(k.ivPrefix, seqBytes)

	ciphertext, err := tapocrypto.AESCBCEncrypt(k.sessionKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	signature := tapocrypto.Sha256(tapocrypto.Concat(k.sig, seqBytes, ciphertext))
	return tapocrypto.Concat(signature, ciphertext), nil
}

// decryptLocked reverses encryptLocked, verifying the signature before decrypting.
func (k *KlapProtocol) decryptLocked(wireBody []byte, seq int32) ([]byte, error) {
	if len(wireBody) < 32 {
		return nil, errors.NewProtocolError("KLAP response shorter than the signature", nil)
	}
	signature := wireBody[:32]
	ciphertext := wireBody[32:]

	seqBytes := seqToBytes(seq)
	expected := tapocrypto.Sha256(tapocrypto.Concat(k.sig, seqBytes, ciphertext))
	if !bytes.Equal(expected, signature) {
		return nil, errors.NewProtocolError("KLAP response signature mismatch", nil)
	}

	iv := tapocrypto.Concat(k.ivPrefix, seqBytes)
	return tapocrypto.AESCBCDecrypt(k.sessionKey, iv, ciphertext)
}

func seqToBytes(seq int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(seq))
	return b
}

// Close releases the session state.
func (k *KlapProtocol) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = klapExpired
	k.sessionKey = nil
	return nil
}
