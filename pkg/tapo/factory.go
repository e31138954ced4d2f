package tapo

import (
	"context"
	"strings"
	"time"

	"github.com/johnpr01/tapo-session/internal/config"
	"github.com/johnpr01/tapo-session/internal/logger"
	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// Scheme names a caller-known encryption scheme, letting a
// discovery-driven caller skip the passthrough probe.
type Scheme string

const (
	SchemeKlap Scheme = "klap"
	SchemeAES  Scheme = "aes"
)

// Connect is the protocol selector / device factory: it probes
// passthrough, falls back to KLAP on a TapoError(1003), fetches
// device_info on success, and dispatches to a typed device by
// device_info.type/model.
func Connect(ctx context.Context, host string, credential tapoprotocol.Credential, cfg *config.Config, log logger.Logger) (TypedDevice, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if log == nil {
		log = logger.NopLogger{}
	}

	protocol, err := probeAndSelect(ctx, host, credential, cfg, log)
	if err != nil {
		return nil, err
	}
	return dispatch(ctx, protocol)
}

// ConnectWithScheme skips the passthrough probe when the caller
// already knows the device's encryption scheme, e.g. from discovery
// metadata.
func ConnectWithScheme(ctx context.Context, host string, credential tapoprotocol.Credential, scheme Scheme, cfg *config.Config, log logger.Logger) (TypedDevice, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if log == nil {
		log = logger.NopLogger{}
	}

	var protocol tapoprotocol.Protocol
	switch scheme {
	case SchemeKlap:
		protocol = tapoprotocol.NewKlapProtocol(host, credential, cfg.HTTPTimeout, log)
	default:
		protocol = tapoprotocol.NewPassthroughProtocol(host, credential, cfg.HTTPTimeout, cfg.RSAKeySize, log)
	}
	if err := protocol.Connect(ctx); err != nil {
		return nil, err
	}
	return dispatch(ctx, protocol)
}

// probeAndSelect tries passthrough first, falling back to KLAP on a
// wrong-transport TapoError.
func probeAndSelect(ctx context.Context, host string, credential tapoprotocol.Credential, cfg *config.Config, log logger.Logger) (tapoprotocol.Protocol, error) {
	pt := tapoprotocol.NewPassthroughProtocol(host, credential, cfg.HTTPTimeout, cfg.RSAKeySize, log)
	err := pt.Connect(ctx)
	if err == nil {
		return pt, nil
	}

	if tapoErr, ok := err.(*tapoprotocol.TapoError); ok && tapoErr.Code == tapoprotocol.ErrCodeWrongTransport {
		log.Info("passthrough rejected the transport, retrying over KLAP", map[string]interface{}{"host": host})
		klap := tapoprotocol.NewKlapProtocol(host, credential, cfg.HTTPTimeout, log)
		if err := klap.Connect(ctx); err != nil {
			return nil, err
		}
		return klap, nil
	}
	return nil, err
}

// dispatch fetches device_info over the connected protocol and
// builds the matching typed device.
func dispatch(ctx context.Context, protocol tapoprotocol.Protocol) (TypedDevice, error) {
	resp, err := execute(ctx, protocol, tapoprotocol.GetDeviceInfo())
	if err != nil {
		return nil, err
	}
	info, err := ParseDeviceInfo(resp.Result)
	if err != nil {
		return nil, err
	}

	deviceType := strings.ToUpper(info.Type())
	model := strings.ToLower(info.Model())

	switch {
	case deviceType == "SMART.TAPOPLUG" && strings.Contains(model, "p300"):
		return NewPlugStrip(protocol), nil
	case deviceType == "SMART.TAPOPLUG":
		return NewPlug(protocol), nil
	case deviceType == "SMART.TAPOBULB":
		return NewBulb(protocol), nil
	case deviceType == "SMART.TAPOHUB":
		return NewHub(protocol), nil
	default:
		return NewGenericDevice(protocol), nil
	}
}

// NewH200Device connects an H200 hub-camera protocol directly; the
// H200 wire format (stok path, secure digest) never speaks
// passthrough/KLAP so it bypasses Connect's probe entirely.
func NewH200Device(ctx context.Context, host string, credential tapoprotocol.Credential, timeout time.Duration, log logger.Logger) (TypedDevice, error) {
	if log == nil {
		log = logger.NopLogger{}
	}
	protocol := tapoprotocol.NewH200Protocol(host, credential, timeout, log)
	if err := protocol.Connect(ctx); err != nil {
		return nil, err
	}
	return dispatch(ctx, protocol)
}

// TypedDevice is the common interface every factory-built device
// satisfies: the capability/state cache plus its kind tag.
type TypedDevice interface {
	Kind() Kind
	Update(ctx context.Context) error
	DeviceInfo() (DeviceInfo, error)
	Components() (Components, error)
	Close() error
}

// GenericDevice is the factory's default dispatch target: a bare
// Device with no device-kind-specific accessors.
type GenericDevice struct {
	*Device
}

// NewGenericDevice wraps a connected protocol with no specialization.
func NewGenericDevice(protocol tapoprotocol.Protocol) *GenericDevice {
	return &GenericDevice{Device: NewDevice(protocol, KindUnknown)}
}
