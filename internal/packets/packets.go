// Package packets defines the built-in packet kinds the proxy itself must
// understand to drive a link: the handshake, the login exchange, the
// configuration hand-over, keep-alives, disconnects and bundle delimiters.
// Every other packet is forwarded opaquely.
package packets

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// Built-in packet kinds.
const (
	KindHandshake                      protocol.Kind = "handshake"
	KindLoginStart                     protocol.Kind = "login_start"
	KindEncryptionRequest              protocol.Kind = "encryption_request"
	KindEncryptionResponse             protocol.Kind = "encryption_response"
	KindSetCompression                 protocol.Kind = "set_compression"
	KindLoginSuccess                   protocol.Kind = "login_success"
	KindLoginAcknowledged              protocol.Kind = "login_acknowledged"
	KindDisconnect                     protocol.Kind = "disconnect"
	KindFinishConfiguration            protocol.Kind = "finish_configuration"
	KindAcknowledgeFinishConfiguration protocol.Kind = "acknowledge_finish_configuration"
	KindKeepAlive                      protocol.Kind = "keep_alive"
	KindBundleDelimiter                protocol.Kind = "bundle_delimiter"
)

// Handshake next-state values.
const (
	NextStateStatus   int32 = 1
	NextStateLogin    int32 = 2
	NextStateTransfer int32 = 3
)

// Field limits.
const (
	maxAddressLength  = 255
	maxUsernameLength = 16
	maxServerIDLength = 20
	maxPropertyLength = 32767
)

// ---- Handshake ----

// Handshake opens every connection and announces the client's version.
type Handshake struct {
	ProtocolVersion protocol.Version
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

func (p *Handshake) Kind() protocol.Kind { return KindHandshake }

func (p *Handshake) Decode(r *protocol.Reader, _ protocol.Version) error {
	v, err := r.ReadVarInt()
	if err != nil {
		return err
	}
	p.ProtocolVersion = protocol.Version(v)
	if p.ServerAddress, err = r.ReadString(maxAddressLength); err != nil {
		return err
	}
	if p.ServerPort, err = r.ReadUint16(); err != nil {
		return err
	}
	p.NextState, err = r.ReadVarInt()
	return err
}

func (p *Handshake) Encode(w *protocol.Writer, _ protocol.Version) error {
	w.WriteVarInt(int32(p.ProtocolVersion)).
		WriteString(p.ServerAddress).
		WriteUint16(p.ServerPort).
		WriteVarInt(p.NextState)
	return nil
}

// ---- Login ----

// LoginStart carries the player name and, on newer versions, their UUID.
type LoginStart struct {
	Name string
	// UUID is uuid.Nil when the client did not send one.
	UUID uuid.UUID
}

func (p *LoginStart) Kind() protocol.Kind { return KindLoginStart }

func (p *LoginStart) Decode(r *protocol.Reader, v protocol.Version) error {
	var err error
	if p.Name, err = r.ReadString(maxUsernameLength); err != nil {
		return err
	}
	switch {
	case v.AtLeast(protocol.V1_20_2):
		p.UUID, err = r.ReadUUID()
	case v.AtLeast(protocol.V1_20_1):
		var has bool
		if has, err = r.ReadBool(); err == nil && has {
			p.UUID, err = r.ReadUUID()
		}
	}
	return err
}

func (p *LoginStart) Encode(w *protocol.Writer, v protocol.Version) error {
	w.WriteString(p.Name)
	switch {
	case v.AtLeast(protocol.V1_20_2):
		w.WriteUUID(p.UUID)
	case v.AtLeast(protocol.V1_20_1):
		w.WriteBool(p.UUID != uuid.Nil)
		if p.UUID != uuid.Nil {
			w.WriteUUID(p.UUID)
		}
	}
	return nil
}

// EncryptionRequest asks the client to start the key exchange.
type EncryptionRequest struct {
	ServerID           string
	PublicKey          []byte
	VerifyToken        []byte
	ShouldAuthenticate bool
}

func (p *EncryptionRequest) Kind() protocol.Kind { return KindEncryptionRequest }

func (p *EncryptionRequest) Decode(r *protocol.Reader, v protocol.Version) error {
	var err error
	if p.ServerID, err = r.ReadString(maxServerIDLength); err != nil {
		return err
	}
	if p.PublicKey, err = r.ReadByteArray(); err != nil {
		return err
	}
	if p.VerifyToken, err = r.ReadByteArray(); err != nil {
		return err
	}
	p.ShouldAuthenticate = true
	if v.AtLeast(protocol.V1_20_5) {
		p.ShouldAuthenticate, err = r.ReadBool()
	}
	return err
}

func (p *EncryptionRequest) Encode(w *protocol.Writer, v protocol.Version) error {
	w.WriteString(p.ServerID).WriteByteArray(p.PublicKey).WriteByteArray(p.VerifyToken)
	if v.AtLeast(protocol.V1_20_5) {
		w.WriteBool(p.ShouldAuthenticate)
	}
	return nil
}

// EncryptionResponse returns the RSA-encrypted shared secret and token.
type EncryptionResponse struct {
	SharedSecret []byte
	VerifyToken  []byte
}

func (p *EncryptionResponse) Kind() protocol.Kind { return KindEncryptionResponse }

func (p *EncryptionResponse) Decode(r *protocol.Reader, _ protocol.Version) error {
	var err error
	if p.SharedSecret, err = r.ReadByteArray(); err != nil {
		return err
	}
	p.VerifyToken, err = r.ReadByteArray()
	return err
}

func (p *EncryptionResponse) Encode(w *protocol.Writer, _ protocol.Version) error {
	w.WriteByteArray(p.SharedSecret).WriteByteArray(p.VerifyToken)
	return nil
}

// SetCompression enables compression for every following frame. A negative
// threshold leaves compression off.
type SetCompression struct {
	Threshold int32
}

func (p *SetCompression) Kind() protocol.Kind { return KindSetCompression }

func (p *SetCompression) Decode(r *protocol.Reader, _ protocol.Version) error {
	var err error
	p.Threshold, err = r.ReadVarInt()
	return err
}

func (p *SetCompression) Encode(w *protocol.Writer, _ protocol.Version) error {
	w.WriteVarInt(p.Threshold)
	return nil
}

// ProfileProperty is a signed game-profile property such as textures.
type ProfileProperty struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Signature string `json:"signature,omitempty"`
}

// LoginSuccess completes the login exchange.
type LoginSuccess struct {
	UUID       uuid.UUID
	Username   string
	Properties []ProfileProperty
	// StrictErrorHandling exists from 1.20.5.
	StrictErrorHandling bool
}

func (p *LoginSuccess) Kind() protocol.Kind { return KindLoginSuccess }

func (p *LoginSuccess) Decode(r *protocol.Reader, v protocol.Version) error {
	var err error
	if v.AtLeast(protocol.V1_20_1) {
		if p.UUID, err = r.ReadUUID(); err != nil {
			return err
		}
	} else {
		s, err := r.ReadString(36)
		if err != nil {
			return err
		}
		if p.UUID, err = uuid.Parse(s); err != nil {
			return fmt.Errorf("invalid login uuid %q: %w", s, err)
		}
	}
	if p.Username, err = r.ReadString(maxUsernameLength); err != nil {
		return err
	}
	if v.AtLeast(protocol.V1_20_1) {
		n, err := r.ReadVarInt()
		if err != nil {
			return err
		}
		if n < 0 || int(n) > r.Remaining() {
			return fmt.Errorf("invalid property count %d", n)
		}
		p.Properties = make([]ProfileProperty, 0, n)
		for i := int32(0); i < n; i++ {
			var prop ProfileProperty
			if prop.Name, err = r.ReadString(maxPropertyLength); err != nil {
				return err
			}
			if prop.Value, err = r.ReadString(maxPropertyLength); err != nil {
				return err
			}
			signed, err := r.ReadBool()
			if err != nil {
				return err
			}
			if signed {
				if prop.Signature, err = r.ReadString(maxPropertyLength); err != nil {
					return err
				}
			}
			p.Properties = append(p.Properties, prop)
		}
	}
	if v.AtLeast(protocol.V1_20_5) {
		p.StrictErrorHandling, err = r.ReadBool()
	}
	return err
}

func (p *LoginSuccess) Encode(w *protocol.Writer, v protocol.Version) error {
	if v.AtLeast(protocol.V1_20_1) {
		w.WriteUUID(p.UUID)
	} else {
		w.WriteString(p.UUID.String())
	}
	w.WriteString(p.Username)
	if v.AtLeast(protocol.V1_20_1) {
		w.WriteVarInt(int32(len(p.Properties)))
		for _, prop := range p.Properties {
			w.WriteString(prop.Name).WriteString(prop.Value).WriteBool(prop.Signature != "")
			if prop.Signature != "" {
				w.WriteString(prop.Signature)
			}
		}
	}
	if v.AtLeast(protocol.V1_20_5) {
		w.WriteBool(p.StrictErrorHandling)
	}
	return nil
}

// ---- Bodiless packets ----

type empty struct{}

func (empty) Decode(*protocol.Reader, protocol.Version) error { return nil }
func (empty) Encode(*protocol.Writer, protocol.Version) error { return nil }

// LoginAcknowledged moves the client into the configuration phase.
type LoginAcknowledged struct{ empty }

func (*LoginAcknowledged) Kind() protocol.Kind { return KindLoginAcknowledged }

// FinishConfiguration tells the client configuration is complete.
type FinishConfiguration struct{ empty }

func (*FinishConfiguration) Kind() protocol.Kind { return KindFinishConfiguration }

// AcknowledgeFinishConfiguration moves the client into the play phase.
type AcknowledgeFinishConfiguration struct{ empty }

func (*AcknowledgeFinishConfiguration) Kind() protocol.Kind {
	return KindAcknowledgeFinishConfiguration
}

// BundleDelimiter opens or closes a bundle of packets applied together.
type BundleDelimiter struct{ empty }

func (*BundleDelimiter) Kind() protocol.Kind { return KindBundleDelimiter }

// ---- Shared ----

// Disconnect carries the kick reason. The reason encoding differs by phase
// and version, so it is kept as raw bytes.
type Disconnect struct {
	Reason []byte
}

func (p *Disconnect) Kind() protocol.Kind { return KindDisconnect }

func (p *Disconnect) Decode(r *protocol.Reader, _ protocol.Version) error {
	p.Reason = append([]byte(nil), r.Rest()...)
	return nil
}

func (p *Disconnect) Encode(w *protocol.Writer, _ protocol.Version) error {
	w.WriteBytes(p.Reason)
	return nil
}

// NewTextDisconnect builds a login-phase disconnect whose reason is a JSON
// text component.
func NewTextDisconnect(text string) *Disconnect {
	reason := fmt.Sprintf(`{"text":%q}`, text)
	return &Disconnect{Reason: protocol.NewWriter().WriteString(reason).Bytes()}
}

// KeepAlive is echoed by the peer. Its id is a VarInt before 1.12.2 and a
// Long afterwards.
type KeepAlive struct {
	ID int64
}

func (p *KeepAlive) Kind() protocol.Kind { return KindKeepAlive }

func (p *KeepAlive) Decode(r *protocol.Reader, v protocol.Version) error {
	if v.AtLeast(protocol.V1_12_2) {
		id, err := r.ReadInt64()
		p.ID = id
		return err
	}
	id, err := r.ReadVarInt()
	p.ID = int64(id)
	return err
}

func (p *KeepAlive) Encode(w *protocol.Writer, v protocol.Version) error {
	if v.AtLeast(protocol.V1_12_2) {
		w.WriteInt64(p.ID)
	} else {
		w.WriteVarInt(int32(p.ID))
	}
	return nil
}
