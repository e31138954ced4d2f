package tapoprotocol

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/internal/logger"
	"github.com/johnpr01/tapo-session/pkg/tapocrypto"
	"github.com/johnpr01/tapo-session/pkg/tapohttp"
)

// PasswordHashAlgo is the digest algorithm the secure H200 handshake
// negotiated for hashing the device password.
type PasswordHashAlgo int

const (
	PasswordHashUnknown PasswordHashAlgo = iota
	PasswordHashMD5
	PasswordHashSHA256
)

// h200State tracks the login lifecycle: fresh, logged in, or
// suspended by the device. Whether the secure layer is in use is kept
// separately in H200Protocol.secure.
type h200State int

const (
	h200Fresh h200State = iota
	h200LoggedIn
	h200Suspended
)

// errCodeInvalidAuth is the hub-camera firmware's credential-rejection
// code, nested under result.data.code on a login reply.
const errCodeInvalidAuth = -40411

// H200Protocol implements the digest-style stok login and optional
// secure layer used by hub-camera firmware.
type H200Protocol struct {
	mu sync.Mutex

	host       string
	credential Credential
	client     *tapohttp.Client
	log        logger.Logger

	state  h200State
	secure bool

	stok   string
	cnonce string
	lsk    []byte
	ivb    []byte
	seq    int
	pwAlgo PasswordHashAlgo
}

// NewH200Protocol constructs an H200 session bound to one device host.
func NewH200Protocol(host string, credential Credential, timeout time.Duration, log logger.Logger) *H200Protocol {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &H200Protocol{
		host:       fmt.Sprintf("http://%s", host),
		credential: credential,
		client:     tapohttp.NewClient(fmt.Sprintf("http://%s", host), timeout),
		log:        log,
		state:      h200Fresh,
	}
}

// Connect probes for the secure/legacy variant and completes login.
func (h *H200Protocol) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshStokLocked(ctx, maxSessionRetries)
}

// probeLocked issues an empty-password login to learn whether the
// device expects legacy digest or secure digest login.
func (h *H200Protocol) probeLocked(ctx context.Context) (secure bool, err error) {
	req := Request{Method: "login", Params: map[string]interface{}{}}
	body, err := json.Marshal(req)
	if err != nil {
		return false, errors.NewProtocolError("failed to marshal probe login", err)
	}

	respBody, _, _, err := h.client.PostJSON(ctx, "", body, nil)
	if err != nil {
		return false, err
	}

	var resp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Data struct {
				Code        int      `json:"code"`
				EncryptType []string `json:"encrypt_type"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return false, errors.NewProtocolError("failed to decode probe response", err)
	}

	if resp.ErrorCode == ErrCodeNeedsHandshake {
		for _, t := range resp.Result.Data.EncryptType {
			if t == "3" {
				return true, nil
			}
		}
	}
	return false, nil
}

// refreshStokLocked implements the full secure/legacy login flow,
// retrying up to maxAttempts times while the login reply carries
// ErrCodeNeedsHandshake. A device_confirm mismatch fails at once.
func (h *H200Protocol) refreshStokLocked(ctx context.Context, maxAttempts int) error {
	secure, err := h.probeLocked(ctx)
	if err != nil {
		return err
	}
	h.secure = secure

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if secure {
			lastErr = h.secureLoginLocked(ctx)
		} else {
			lastErr = h.legacyLoginLocked(ctx)
		}
		if lastErr == nil {
			h.state = h200LoggedIn
			h.log.Info("H200 session established", map[string]interface{}{"host": h.host, "secure": secure})
			return nil
		}

		sessErr, ok := errors.AsSessionError(lastErr)
		if !ok || sessErr.ErrorCode != ErrCodeNeedsHandshake {
			return lastErr
		}
	}
	return lastErr
}

func (h *H200Protocol) legacyLoginLocked(ctx context.Context) error {
	req := Request{Method: "login", Params: map[string]interface{}{
		"password": tapocrypto.Md5HexUpper([]byte(h.credential.Password)),
		"hashed":   true,
	}}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.NewProtocolError("failed to marshal legacy login", err)
	}

	respBody, status, _, err := h.client.PostJSON(ctx, "", body, nil)
	if err != nil {
		return err
	}
	if status != 200 && status != 401 {
		return errors.NewTransportError(fmt.Sprintf("legacy login returned HTTP %d", status), nil)
	}

	var resp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Stok      string `json:"stok"`
			UserGroup string `json:"user_group"`
			Data      struct {
				Code    int `json:"code"`
				SecLeft int `json:"sec_left"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return errors.NewProtocolError("failed to decode legacy login response", err)
	}
	if resp.Result.Data.SecLeft > 0 {
		return errors.NewSuspensionError(time.Duration(resp.Result.Data.SecLeft) * time.Second)
	}
	if resp.Result.Data.Code == errCodeInvalidAuth {
		return errors.NewAuthError("device rejected the credentials", nil)
	}
	if resp.ErrorCode != ErrCodeSuccess {
		return errors.NewAuthError("legacy login rejected", nil)
	}
	if resp.Result.UserGroup != "" && resp.Result.UserGroup != "root" {
		return errors.NewAuthError("legacy login succeeded for a non-root user group", nil)
	}

	h.stok = resp.Result.Stok
	h.pwAlgo = PasswordHashMD5
	return nil
}

func (h *H200Protocol) secureLoginLocked(ctx context.Context) error {
	cnonceRaw := make([]byte, 8)
	if _, err := rand.Read(cnonceRaw); err != nil {
		return errors.NewProtocolError("failed to generate cnonce", err)
	}
	h.cnonce = strings.ToUpper(fmt.Sprintf("%x", cnonceRaw))

	nonce, deviceConfirm, err := h.requestNonceLocked(ctx)
	if err != nil {
		return err
	}

	algo, err := h.validateDeviceConfirmLocked(nonce, deviceConfirm)
	if err != nil {
		return err
	}
	h.pwAlgo = algo

	pwHash := h.hashedPassword(algo)
	digestPasswd := tapocrypto.Sha256HexUpper(tapocrypto.Concat([]byte(pwHash), []byte(h.cnonce), []byte(nonce))) + h.cnonce + nonce

	req := Request{Method: "login", Params: map[string]interface{}{
		"cnonce":        h.cnonce,
		"digest_passwd": digestPasswd,
	}}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.NewProtocolError("failed to marshal secure login", err)
	}

	respBody, status, _, err := h.client.PostJSON(ctx, "", body, nil)
	if err != nil {
		return err
	}
	if status != 200 && status != 401 {
		return errors.NewTransportError(fmt.Sprintf("secure login returned HTTP %d", status), nil)
	}

	var resp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Stok      string `json:"stok"`
			StartSeq  int    `json:"start_seq"`
			UserGroup string `json:"user_group"`
			Data      struct {
				Code    int `json:"code"`
				SecLeft int `json:"sec_left"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return errors.NewProtocolError("failed to decode secure login response", err)
	}
	if resp.Result.Data.SecLeft > 0 {
		return errors.NewSuspensionError(time.Duration(resp.Result.Data.SecLeft) * time.Second)
	}
	if resp.Result.Data.Code == errCodeInvalidAuth {
		return errors.NewAuthError("device rejected the credentials", nil)
	}
	if resp.ErrorCode == ErrCodeNeedsHandshake {
		return errors.NewProtocolError("secure login requires a fresh handshake", nil).WithErrorCode(ErrCodeNeedsHandshake)
	}
	if resp.ErrorCode != ErrCodeSuccess {
		return errors.NewAuthError("secure login rejected", nil)
	}
	if resp.Result.UserGroup != "" && resp.Result.UserGroup != "root" {
		return errors.NewAuthError("secure login succeeded for a non-root user group", nil)
	}

	h.stok = resp.Result.Stok
	h.seq = resp.Result.StartSeq

	selfHash := tapocrypto.Sha256HexUpper(tapocrypto.Concat([]byte(h.cnonce), []byte(pwHash), []byte(nonce)))
	lskFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("lsk"), []byte(h.cnonce), []byte(nonce), []byte(selfHash)))
	h.lsk = lskFull[:16]
	ivbFull := tapocrypto.Sha256(tapocrypto.Concat([]byte("ivb"), []byte(h.cnonce), []byte(nonce), []byte(selfHash)))
	h.ivb = ivbFull[:16]

	return nil
}

func (h *H200Protocol) requestNonceLocked(ctx context.Context) (nonce, deviceConfirm string, err error) {
	req := Request{Method: "login", Params: map[string]interface{}{
		"cnonce": h.cnonce,
	}}
	body, err := json.Marshal(req)
	if err != nil {
		return "", "", errors.NewProtocolError("failed to marshal nonce request", err)
	}

	respBody, _, _, err := h.client.PostJSON(ctx, "", body, nil)
	if err != nil {
		return "", "", err
	}

	var resp struct {
		Result struct {
			Data struct {
				Nonce         string `json:"nonce"`
				DeviceConfirm string `json:"device_confirm"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", "", errors.NewProtocolError("failed to decode nonce response", err)
	}
	return resp.Result.Data.Nonce, resp.Result.Data.DeviceConfirm, nil
}

// validateDeviceConfirmLocked tries both MD5 and SHA256 password
// hashing forms and returns whichever matches the device's
// device_confirm.
func (h *H200Protocol) validateDeviceConfirmLocked(nonce, deviceConfirm string) (PasswordHashAlgo, error) {
	for _, algo := range []PasswordHashAlgo{PasswordHashSHA256, PasswordHashMD5} {
		pwHash := h.hashedPassword(algo)
		candidate := tapocrypto.Sha256HexUpper(tapocrypto.Concat([]byte(h.cnonce), []byte(pwHash), []byte(nonce))) + nonce + h.cnonce
		if candidate == deviceConfirm {
			return algo, nil
		}
	}
	return PasswordHashUnknown, errors.NewAuthError("device_confirm did not match MD5 or SHA256 password hash", nil)
}

func (h *H200Protocol) hashedPassword(algo PasswordHashAlgo) string {
	switch algo {
	case PasswordHashMD5:
		return tapocrypto.Md5HexUpper([]byte(h.credential.Password))
	default:
		return tapocrypto.Sha256HexUpper([]byte(h.credential.Password))
	}
}

// Execute sends req either as a plain JSON call (legacy) or wrapped
// in the secure layer (lsk/ivb + Seq/Tapo_tag headers). A rejected
// stok is refreshed and the call retried once.
func (h *H200Protocol) Execute(ctx context.Context, req Request) (*Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != h200LoggedIn {
		if err := h.refreshStokLocked(ctx, maxSessionRetries); err != nil {
			return nil, err
		}
	}

	resp, suspendSecs, err := h.sendLocked(ctx, req)
	if err != nil {
		sessErr, ok := errors.AsSessionError(err)
		if ok && (sessErr.ErrorCode == ErrCodeInvalidStok || sessErr.ErrorCode == -1) {
			if hsErr := h.refreshStokLocked(ctx, maxSessionRetries); hsErr != nil {
				return nil, hsErr
			}
			resp, suspendSecs, err = h.sendLocked(ctx, req)
		}
	}
	if suspendSecs > 0 {
		h.state = h200Suspended
		return nil, errors.NewSuspensionError(time.Duration(suspendSecs) * time.Second)
	}
	return resp, err
}

func (h *H200Protocol) sendLocked(ctx context.Context, req Request) (*Response, int, error) {
	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, 0, errors.NewProtocolError("failed to marshal H200 request", err)
	}

	path := "/stok=" + h.stok + "/ds"

	body := plaintext
	var headers map[string]string
	if h.secure {
		ciphertext, err := tapocrypto.AESCBCEncrypt(h.lsk, h.ivb, plaintext)
		if err != nil {
			return nil, 0, err
		}
		wrapper := SecurePassthrough(tapocrypto.Base64Encode(ciphertext))
		body, err = json.Marshal(wrapper)
		if err != nil {
			return nil, 0, errors.NewProtocolError("failed to marshal secure H200 wrapper", err)
		}
		// The tag signs the wrapper envelope as posted, not the inner
		// plaintext.
		headers = map[string]string{
			"Seq":      fmt.Sprintf("%d", h.seq),
			"Tapo_tag": h.computeTag(body),
		}
	}

	respBody, status, _, err := h.client.PostJSONWithHeaders(ctx, path, body, headers)
	if h.secure {
		h.seq++
	}
	if err != nil {
		return nil, 0, err
	}
	if status == 500 && h.secure {
		// Secure sessions report expiry as HTTP 500; refreshing the
		// stok recovers.
		return nil, 0, errors.NewProtocolError("H200 secure session expired (HTTP 500)", nil).WithErrorCode(ErrCodeInvalidStok)
	}
	if status != 200 {
		return nil, 0, errors.NewTransportError(fmt.Sprintf("H200 request returned HTTP %d", status), nil)
	}

	if h.secure {
		var outer struct {
			ErrorCode int `json:"error_code"`
			Result    struct {
				Response string `json:"response"`
			} `json:"result"`
		}
		if err := json.Unmarshal(respBody, &outer); err != nil {
			return nil, 0, errors.NewProtocolError("failed to decode secure H200 envelope", err)
		}
		if outer.ErrorCode == ErrCodeInvalidStok || outer.ErrorCode == -1 {
			return nil, 0, errors.NewProtocolError("H200 stok rejected", nil).WithErrorCode(ErrCodeInvalidStok)
		}
		encResp, err := tapocrypto.Base64Decode(outer.Result.Response)
		if err != nil {
			return nil, 0, err
		}
		plain, err := tapocrypto.AESCBCDecrypt(h.lsk, h.ivb, encResp)
		if err != nil {
			return nil, 0, errors.NewProtocolError("failed to decrypt secure H200 response", err)
		}
		respBody = plain
	}

	return h.decodeResultLocked(req, respBody)
}

// decodeResultLocked unwraps H200's getDeviceInfo nesting
// (result.device_info.info) and surfaces sec_left suspension.
func (h *H200Protocol) decodeResultLocked(req Request, respBody []byte) (*Response, int, error) {
	var generic struct {
		ErrorCode int        `json:"error_code"`
		Result    RawMessage `json:"result,omitempty"`
		SecLeft   int        `json:"sec_left"`
	}
	if err := json.Unmarshal(respBody, &generic); err != nil {
		return nil, 0, errors.NewProtocolError("failed to decode H200 response", err)
	}
	if generic.SecLeft > 0 {
		return nil, generic.SecLeft, nil
	}
	if generic.ErrorCode == ErrCodeInvalidStok || generic.ErrorCode == -1 {
		return nil, 0, errors.NewProtocolError("H200 stok rejected", nil).WithErrorCode(ErrCodeInvalidStok)
	}

	result := generic.Result
	if req.Method == "getDeviceInfo" || req.Method == "get_device_info" {
		var nested struct {
			DeviceInfo struct {
				Info RawMessage `json:"info"`
			} `json:"device_info"`
		}
		if err := json.Unmarshal(generic.Result, &nested); err == nil && len(nested.DeviceInfo.Info) > 0 {
			result = nested.DeviceInfo.Info
		}
	}

	return &Response{ErrorCode: generic.ErrorCode, Result: result}, 0, nil
}

// computeTag implements Tapo_tag = SHA256_hex_upper(
// SHA256_hex_upper(pw_hash||cnonce) || json(posted body) || str(seq)).
func (h *H200Protocol) computeTag(requestJSON []byte) string {
	pwHash := h.hashedPassword(h.pwAlgo)
	inner := tapocrypto.Sha256HexUpper(tapocrypto.Concat([]byte(pwHash), []byte(h.cnonce)))
	return tapocrypto.Sha256HexUpper(tapocrypto.Concat([]byte(inner), requestJSON, []byte(fmt.Sprintf("%d", h.seq))))
}

// Close releases the session state.
func (h *H200Protocol) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = h200Fresh
	h.stok = ""
	h.lsk = nil
	h.ivb = nil
	return nil
}
