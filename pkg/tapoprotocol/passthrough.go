package tapoprotocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/internal/logger"
	"github.com/johnpr01/tapo-session/pkg/tapocrypto"
	"github.com/johnpr01/tapo-session/pkg/tapohttp"
)

// passthroughState is the legacy protocol's session lifecycle.
type passthroughState int

const (
	ptFresh passthroughState = iota
	ptHandshaken
	ptAuthenticated
	ptClosed
)

// maxSessionRetries bounds re-handshake attempts on session expiry,
// shared by the passthrough and H200 retry loops.
const maxSessionRetries = 3

// PassthroughProtocol implements the RSA-bootstrapped AES-CBC session
// wrapping a JSON-RPC payload.
type PassthroughProtocol struct {
	mu sync.Mutex

	host       string
	credential Credential
	client     *tapohttp.Client
	log        logger.Logger
	keyBits    int

	state        passthroughState
	aesKey       []byte
	aesIV        []byte
	token        string
	cookies      tapohttp.RawCookies
	terminalUUID string
}

// NewPassthroughProtocol constructs a passthrough session bound to one
// device host. keyBits is normally 1024; most firmware rejects larger
// handshake keys.
func NewPassthroughProtocol(host string, credential Credential, timeout time.Duration, keyBits int, log logger.Logger) *PassthroughProtocol {
	if keyBits <= 0 {
		keyBits = 1024
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &PassthroughProtocol{
		host:         fmt.Sprintf("http://%s", host),
		credential:   credential,
		client:       tapohttp.NewClient(fmt.Sprintf("http://%s", host), timeout),
		log:          log,
		keyBits:      keyBits,
		state:        ptFresh,
		terminalUUID: NewTerminalUUID(),
	}
}

// Connect performs the RSA handshake followed by login.
func (p *PassthroughProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshakeAndLoginLocked(ctx)
}

func (p *PassthroughProtocol) handshakeAndLoginLocked(ctx context.Context) error {
	kp, err := tapocrypto.GenerateRSAKeyPair(p.keyBits)
	if err != nil {
		return err
	}
	pemKey, err := kp.PublicKeyPEM()
	if err != nil {
		return err
	}

	handshakeReq := Handshake(pemKey, time.Now().UnixMilli())
	body, err := json.Marshal(handshakeReq)
	if err != nil {
		return errors.NewProtocolError("failed to marshal handshake request", err)
	}

	respBody, status, cookies, err := p.client.PostJSON(ctx, "/app", body, nil)
	if err != nil {
		return err
	}
	if status != 200 {
		return errors.NewTransportError(fmt.Sprintf("handshake returned HTTP %d", status), nil)
	}

	var resp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Key string `json:"key"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return errors.NewProtocolError("failed to decode handshake response", err)
	}
	if resp.ErrorCode == ErrCodeWrongTransport {
		return &TapoError{Code: ErrCodeWrongTransport, Message: "device requires KLAP transport"}
	}
	if resp.ErrorCode != ErrCodeSuccess {
		return errors.NewDomainError(resp.ErrorCode, "handshake failed")
	}

	encrypted, err := tapocrypto.Base64Decode(resp.Result.Key)
	if err != nil {
		return err
	}
	material, err := kp.DecryptPKCS1v15(encrypted)
	if err != nil {
		return err
	}
	if len(material) < 32 {
		return errors.NewProtocolError("handshake key material shorter than expected", nil)
	}

	p.aesKey = material[:16]
	p.aesIV = material[16:32]
	p.cookies = cookies
	p.state = ptHandshaken

	return p.loginLocked(ctx)
}

func (p *PassthroughProtocol) loginLocked(ctx context.Context) error {
	usernameHash := tapocrypto.Base64Encode(tapocrypto.Sha1([]byte(p.credential.Username)))
	passwordB64 := tapocrypto.Base64Encode([]byte(p.credential.Password))

	loginReq := LoginDevice(usernameHash, passwordB64)
	resp, err := p.sendSecureLocked(ctx, loginReq)
	if err != nil {
		se, ok := errors.AsSessionError(err)
		if !ok || (se.Kind != errors.ErrorKindDomain && se.Kind != errors.ErrorKindAuth) {
			return err
		}
		// The device rejected the v1 shape; fall back to v2
		// (password2 = b64(sha1(password))).
		passwordHash := tapocrypto.Base64Encode(tapocrypto.Sha1([]byte(p.credential.Password)))
		resp, err = p.sendSecureLocked(ctx, LoginDeviceV2(passwordHash))
		if err != nil {
			return errors.NewAuthError("login failed on both v1 and v2 shapes", err)
		}
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return errors.NewProtocolError("failed to decode login result", err)
	}
	if result.Token == "" {
		return errors.NewAuthError("device did not return a session token", nil)
	}

	p.token = result.Token
	p.state = ptAuthenticated
	p.log.Info("passthrough session authenticated", map[string]interface{}{"host": p.host})
	return nil
}

// Execute sends req through the secure-passthrough envelope,
// re-handshaking on session expiry up to maxSessionRetries times.
func (p *PassthroughProtocol) Execute(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ptAuthenticated {
		if err := p.handshakeAndLoginLocked(ctx); err != nil {
			return nil, err
		}
	}

	req = req.WithTerminalUUID(p.terminalUUID).WithRequestTimeMillis(time.Now().UnixMilli())

	var lastErr error
	for attempt := 0; attempt < maxSessionRetries; attempt++ {
		resp, err := p.sendSecureLocked(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Only a protocol-level failure (invalid padding on decrypt, or
		// the device reporting expiry via error code 9999) means the
		// session died; transport failures surface unchanged.
		sessErr, ok := errors.AsSessionError(err)
		if !ok || sessErr.Kind != errors.ErrorKindProtocol {
			return nil, err
		}

		p.state = ptFresh
		if hsErr := p.handshakeAndLoginLocked(ctx); hsErr != nil {
			return nil, hsErr
		}
	}
	return nil, lastErr
}

func (p *PassthroughProtocol) sendSecureLocked(ctx context.Context, req Request) (*Response, error) {
	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewProtocolError("failed to marshal inner request", err)
	}

	ciphertext, err := tapocrypto.AESCBCEncrypt(p.aesKey, p.aesIV, plaintext)
	if err != nil {
		return nil, err
	}
	wrapper := SecurePassthrough(tapocrypto.Base64Encode(ciphertext))

	body, err := json.Marshal(wrapper)
	if err != nil {
		return nil, errors.NewProtocolError("failed to marshal secure wrapper", err)
	}

	path := "/app"
	if p.token != "" {
		path = "/app?token=" + p.token
	}

	respBody, status, cookies, err := p.client.PostJSON(ctx, path, body, p.cookies)
	if err != nil {
		return nil, err
	}
	if len(cookies) > 0 {
		p.cookies = cookies
	}
	if status != 200 {
		return nil, errors.NewTransportError(fmt.Sprintf("secure passthrough returned HTTP %d", status), nil)
	}

	var outer struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Response string `json:"response"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &outer); err != nil {
		return nil, errors.NewProtocolError("failed to decode secure passthrough envelope", err)
	}
	if outer.ErrorCode == ErrCodeSessionExpired {
		return nil, errors.NewProtocolError("device reported session expiry", nil)
	}
	if outer.ErrorCode != ErrCodeSuccess {
		return nil, errors.NewDomainError(outer.ErrorCode, "secure passthrough call failed")
	}

	encResponse, err := tapocrypto.Base64Decode(outer.Result.Response)
	if err != nil {
		return nil, err
	}
	decrypted, err := tapocrypto.AESCBCDecrypt(p.aesKey, p.aesIV, encResponse)
	if err != nil {
		return nil, errors.NewProtocolError("failed to decrypt secure passthrough response", err)
	}

	var resp Response
	if err := json.Unmarshal(decrypted, &resp); err != nil {
		return nil, errors.NewProtocolError("failed to decode inner response", err)
	}
	return &resp, nil
}

// Close releases the session state; the underlying HTTP client has no
// persistent connection pool to tear down since DisableKeepAlives is set.
func (p *PassthroughProtocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = ptClosed
	p.token = ""
	p.aesKey = nil
	p.aesIV = nil
	return nil
}
