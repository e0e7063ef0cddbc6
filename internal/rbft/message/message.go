// Package message defines the wire message catalogue exchanged between
// clients and nodes, and between nodes themselves. Every message is a
// sum-tagged variant carrying an Op field. Framing and signatures are a
// transport-layer concern; this package only defines payload shapes and
// the tag-based decode switch.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sybtjp/plenum/internal/rbft/types"
)

// Op names a wire message variant.
type Op string

const (
	OpRequest        Op = "REQUEST"
	OpPropagate      Op = "PROPAGATE"
	OpPrePrepare     Op = "PRE-PREPARE"
	OpPrepare        Op = "PREPARE"
	OpCommit         Op = "COMMIT"
	OpOrdered        Op = "ORDERED"
	OpInstanceChange Op = "INSTANCE-CHANGE"
	OpNomination     Op = "NOMINATION"
	OpPrimary        Op = "PRIMARY"
	OpReelection     Op = "REELECTION"
	OpBatch          Op = "BATCH"
	OpRequestAck     Op = "REQUEST-ACK"
	OpRequestNack    Op = "REQUEST-NACK"
	OpReply          Op = "REPLY"
)

// Message is implemented by every variant in the catalogue.
type Message interface {
	GetOp() Op
}

// Base carries the fields common to every message.
type Base struct {
	MsgOp     Op    `json:"op"`
	Timestamp int64 `json:"timestamp"`
}

func (b Base) GetOp() Op { return b.MsgOp }

func newBase(op Op) Base {
	return Base{MsgOp: op, Timestamp: time.Now().UnixNano()}
}

// --- Client-originated ---

// Request is a client-signed operation submission. The signature travels
// on the message itself so any node can verify it regardless of which
// transport carried it; node-to-node traffic instead relies on the
// transport's own peer authentication (see IsTransportAuthenticated).
type Request struct {
	Base
	ClientId  types.ClientId  `json:"clientId"`
	ReqId     types.ReqId     `json:"reqId"`
	Operation json.RawMessage `json:"operation"`
	Signature []byte          `json:"signature,omitempty"`
}

func NewRequest(clientId types.ClientId, reqId types.ReqId, operation json.RawMessage) *Request {
	return &Request{Base: newBase(OpRequest), ClientId: clientId, ReqId: reqId, Operation: operation}
}

// Key returns the (clientId, reqId) key identifying this request.
func (r *Request) Key() types.ReqKey {
	return types.ReqKey{ClientId: r.ClientId, ReqId: r.ReqId}
}

// SignBytes returns the payload a client signs / a node verifies: every
// field except the signature itself.
func (r *Request) SignBytes() ([]byte, error) {
	clone := *r
	clone.Signature = nil
	return json.Marshal(&clone)
}

// --- Node-to-node ---

// Propagate rebroadcasts a client request so f+1 nodes can witness it
// before any node forwards it to its local replicas.
type Propagate struct {
	Base
	Request      Request        `json:"request"`
	SenderClient types.ClientId `json:"senderClient"`
}

func NewPropagate(req Request, senderClient types.ClientId) *Propagate {
	return &Propagate{Base: newBase(OpPropagate), Request: req, SenderClient: senderClient}
}

// PrePrepare is the primary's assignment of a ppSeqNo to a request digest.
type PrePrepare struct {
	Base
	InstId     types.InstId   `json:"instId"`
	ViewNo     types.ViewNo   `json:"viewNo"`
	PpSeqNo    types.PpSeqNo  `json:"ppSeqNo"`
	Identifier types.ClientId `json:"identifier"`
	ReqId      types.ReqId    `json:"reqId"`
	Digest     types.Digest   `json:"digest"`
	PpTime     int64          `json:"ppTime"`
}

func NewPrePrepare(instId types.InstId, viewNo types.ViewNo, ppSeqNo types.PpSeqNo, identifier types.ClientId, reqId types.ReqId, digest types.Digest, ppTime int64) *PrePrepare {
	return &PrePrepare{Base: newBase(OpPrePrepare), InstId: instId, ViewNo: viewNo, PpSeqNo: ppSeqNo, Identifier: identifier, ReqId: reqId, Digest: digest, PpTime: ppTime}
}

// Prepare votes for a PRE-PREPARE's (viewNo, ppSeqNo, digest) binding.
type Prepare struct {
	Base
	InstId  types.InstId   `json:"instId"`
	ViewNo  types.ViewNo   `json:"viewNo"`
	PpSeqNo types.PpSeqNo  `json:"ppSeqNo"`
	Digest  types.Digest   `json:"digest"`
	From    types.NodeName `json:"from"`
}

func NewPrepare(instId types.InstId, viewNo types.ViewNo, ppSeqNo types.PpSeqNo, digest types.Digest, from types.NodeName) *Prepare {
	return &Prepare{Base: newBase(OpPrepare), InstId: instId, ViewNo: viewNo, PpSeqNo: ppSeqNo, Digest: digest, From: from}
}

// Commit votes that a (viewNo, ppSeqNo, digest) binding is prepared.
type Commit struct {
	Base
	InstId  types.InstId   `json:"instId"`
	ViewNo  types.ViewNo   `json:"viewNo"`
	PpSeqNo types.PpSeqNo  `json:"ppSeqNo"`
	Digest  types.Digest   `json:"digest"`
	From    types.NodeName `json:"from"`
}

func NewCommit(instId types.InstId, viewNo types.ViewNo, ppSeqNo types.PpSeqNo, digest types.Digest, from types.NodeName) *Commit {
	return &Commit{Base: newBase(OpCommit), InstId: instId, ViewNo: viewNo, PpSeqNo: ppSeqNo, Digest: digest, From: from}
}

// Ordered is a replica-internal signal (emitted to the owning Node) that a
// (ppSeqNo -> request) binding has committed.
type Ordered struct {
	Base
	InstId     types.InstId   `json:"instId"`
	ViewNo     types.ViewNo   `json:"viewNo"`
	Identifier types.ClientId `json:"identifier"`
	ReqId      types.ReqId    `json:"reqId"`
	Digest     types.Digest   `json:"digest"`
	PpTime     int64          `json:"ppTime"`
}

func NewOrdered(instId types.InstId, viewNo types.ViewNo, identifier types.ClientId, reqId types.ReqId, digest types.Digest, ppTime int64) *Ordered {
	return &Ordered{Base: newBase(OpOrdered), InstId: instId, ViewNo: viewNo, Identifier: identifier, ReqId: reqId, Digest: digest, PpTime: ppTime}
}

// InstanceChange is a vote to advance to a new view because the master
// instance is underperforming.
type InstanceChange struct {
	Base
	ViewNo types.ViewNo `json:"viewNo"`
}

func NewInstanceChange(viewNo types.ViewNo) *InstanceChange {
	return &InstanceChange{Base: newBase(OpInstanceChange), ViewNo: viewNo}
}

// Nomination proposes a candidate primary for (instId, viewNo).
type Nomination struct {
	Base
	Name   types.NodeName `json:"name"`
	InstId types.InstId   `json:"instId"`
	ViewNo types.ViewNo   `json:"viewNo"`
	Round  int            `json:"round"`
}

func NewNomination(name types.NodeName, instId types.InstId, viewNo types.ViewNo, round int) *Nomination {
	return &Nomination{Base: newBase(OpNomination), Name: name, InstId: instId, ViewNo: viewNo, Round: round}
}

// Primary announces that a candidate has reached nomination quorum.
type Primary struct {
	Base
	Name   types.NodeName `json:"name"`
	InstId types.InstId   `json:"instId"`
	ViewNo types.ViewNo   `json:"viewNo"`
}

func NewPrimary(name types.NodeName, instId types.InstId, viewNo types.ViewNo) *Primary {
	return &Primary{Base: newBase(OpPrimary), Name: name, InstId: instId, ViewNo: viewNo}
}

// Reelection breaks a tie among candidates by starting a new round.
type Reelection struct {
	Base
	InstId   types.InstId     `json:"instId"`
	Round    int              `json:"round"`
	TieAmong []types.NodeName `json:"tieAmong"`
	ViewNo   types.ViewNo     `json:"viewNo"`
}

func NewReelection(instId types.InstId, round int, tieAmong []types.NodeName, viewNo types.ViewNo) *Reelection {
	return &Reelection{Base: newBase(OpReelection), InstId: instId, Round: round, TieAmong: tieAmong, ViewNo: viewNo}
}

// Batch wraps several node messages for combined transmission; each
// contained message is revalidated individually on receipt.
type Batch struct {
	Base
	Messages []Envelope `json:"messages"`
}

func NewBatch(envs []Envelope) *Batch {
	return &Batch{Base: newBase(OpBatch), Messages: envs}
}

// --- Client-directed ---

// RequestAck acknowledges that a REQUEST was accepted for processing.
type RequestAck struct {
	Base
	ReqId types.ReqId `json:"reqId"`
}

func NewRequestAck(reqId types.ReqId) *RequestAck {
	return &RequestAck{Base: newBase(OpRequestAck), ReqId: reqId}
}

// RequestNack rejects a REQUEST, carrying a human-readable reason.
type RequestNack struct {
	Base
	ReqId  types.ReqId `json:"reqId"`
	Reason string      `json:"reason"`
}

func NewRequestNack(reqId types.ReqId, reason string) *RequestNack {
	return &RequestNack{Base: newBase(OpRequestNack), ReqId: reqId, Reason: reason}
}

// ReplyResult is the authenticated execution result returned to the
// client, sufficient to verify inclusion against a trusted Merkle root.
type ReplyResult struct {
	Identifier types.ClientId `json:"identifier"`
	ReqId      types.ReqId    `json:"reqId"`
	TxnId      types.TxnId    `json:"txnId"`
	TxnTime    int64          `json:"txnTime"`
	TxnType    string         `json:"txnType"`
	SeqNo      uint64         `json:"seqNo"`
	AuditPath  []string       `json:"auditPath"`
	RootHash   string         `json:"rootHash"`
}

// Reply carries the result of an executed request back to its client.
type Reply struct {
	Base
	Result ReplyResult `json:"result"`
}

func NewReply(result ReplyResult) *Reply {
	return &Reply{Base: newBase(OpReply), Result: result}
}

// --- Envelope / decode ---

// Envelope is the transport-level frame: an Op tag plus the raw payload of
// the corresponding variant. Signature verification happens above this
// layer; Envelope only carries enough to dispatch by tag.
type Envelope struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a Message into its transport Envelope.
func Encode(m Message) (Envelope, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: m.GetOp(), Payload: b}, nil
}

// ErrUnknownOp is returned by Decode for an Op not in the catalogue.
var ErrUnknownOp = fmt.Errorf("message: unknown op")

// Decode reconstructs the concrete Message for an Envelope, dispatching
// on its Op tag via an exhaustive switch.
func Decode(env Envelope) (Message, error) {
	switch env.Op {
	case OpRequest:
		var m Request
		return &m, json.Unmarshal(env.Payload, &m)
	case OpPropagate:
		var m Propagate
		return &m, json.Unmarshal(env.Payload, &m)
	case OpPrePrepare:
		var m PrePrepare
		return &m, json.Unmarshal(env.Payload, &m)
	case OpPrepare:
		var m Prepare
		return &m, json.Unmarshal(env.Payload, &m)
	case OpCommit:
		var m Commit
		return &m, json.Unmarshal(env.Payload, &m)
	case OpOrdered:
		var m Ordered
		return &m, json.Unmarshal(env.Payload, &m)
	case OpInstanceChange:
		var m InstanceChange
		return &m, json.Unmarshal(env.Payload, &m)
	case OpNomination:
		var m Nomination
		return &m, json.Unmarshal(env.Payload, &m)
	case OpPrimary:
		var m Primary
		return &m, json.Unmarshal(env.Payload, &m)
	case OpReelection:
		var m Reelection
		return &m, json.Unmarshal(env.Payload, &m)
	case OpBatch:
		var m Batch
		return &m, json.Unmarshal(env.Payload, &m)
	case OpRequestAck:
		var m RequestAck
		return &m, json.Unmarshal(env.Payload, &m)
	case OpRequestNack:
		var m RequestNack
		return &m, json.Unmarshal(env.Payload, &m)
	case OpReply:
		var m Reply
		return &m, json.Unmarshal(env.Payload, &m)
	default:
		return nil, ErrUnknownOp
	}
}

// transportAuthenticated is the whitelist of node message types that rely
// on the transport layer's own peer authentication rather than an embedded
// client/node signature.
var transportAuthenticated = map[Op]bool{
	OpNomination:     true,
	OpPrimary:        true,
	OpReelection:     true,
	OpBatch:          true,
	OpPrePrepare:     true,
	OpPrepare:        true,
	OpCommit:         true,
	OpInstanceChange: true,
}

// IsTransportAuthenticated reports whether op is exempt from an
// application-level signature check because the transport already
// authenticates its sender.
func IsTransportAuthenticated(op Op) bool {
	return transportAuthenticated[op]
}

// IsClientOriginated reports whether op names a message a client sends.
func IsClientOriginated(op Op) bool {
	return op == OpRequest
}
