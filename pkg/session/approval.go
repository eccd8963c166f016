package session

import (
	"sync"

	"github.com/sessamekesh/spanreed-session/pkg/message"
	utils "github.com/sessamekesh/spanreed-session/pkg/util"
	"go.uber.org/zap"
)

type ApprovalRequest struct {
	ClientId uint64
	Payload  []byte
}

// ApprovalResponse is the decision for one pending client. Nil optionals fall
// back to the session config (prefab) or leave the transform unset.
type ApprovalResponse struct {
	Approved           bool
	CreatePlayerObject bool
	PlayerPrefabHash   *uint32
	Position           *message.Vec3
	Rotation           *message.Vec3
}

// ApprovalFuture carries a decision that may arrive later, from any goroutine.
// The session polls it once per cycle and resumes the handshake when it resolves.
type ApprovalFuture struct {
	ch   chan ApprovalResponse
	once sync.Once

	resolved *ApprovalResponse
}

func NewApprovalFuture() *ApprovalFuture {
	return &ApprovalFuture{
		ch: make(chan ApprovalResponse, 1),
	}
}

func ResolvedApproval(response ApprovalResponse) *ApprovalFuture {
	f := NewApprovalFuture()
	f.Resolve(response)
	return f
}

// Resolve delivers the decision. Only the first call has any effect.
func (f *ApprovalFuture) Resolve(response ApprovalResponse) {
	f.once.Do(func() {
		f.ch <- response
	})
}

// poll is only called from the scheduler goroutine.
func (f *ApprovalFuture) poll() (ApprovalResponse, bool) {
	if f.resolved != nil {
		return *f.resolved, true
	}

	select {
	case response := <-f.ch:
		f.resolved = &response
		return response, true
	default:
		return ApprovalResponse{}, false
	}
}

type ConnectionApprovalCallback func(request ApprovalRequest) *ApprovalFuture

type TokenApproverParams struct {
	AllowedTokens      []string
	CreatePlayerObject bool

	Logger *zap.Logger
}

// CreateTokenApprover approves clients whose ConnectionData carries one of
// the allowed auth tokens. It is a convenience gate for demos, not security.
func CreateTokenApprover(params TokenApproverParams) ConnectionApprovalCallback {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("component", "tokenApprover"))

	return func(request ApprovalRequest) *ApprovalFuture {
		playerName, token, err := message.ParseConnectionData(request.Payload)
		if err != nil {
			log.Info("Rejecting client with unreadable connection data", zap.Uint64("clientId", request.ClientId), zap.Error(err))
			return ResolvedApproval(ApprovalResponse{Approved: false})
		}

		if !utils.Contains(string(token), params.AllowedTokens) {
			log.Info("Rejecting client with unknown token", zap.Uint64("clientId", request.ClientId), zap.String("playerName", playerName))
			return ResolvedApproval(ApprovalResponse{Approved: false})
		}

		log.Info("Approved client", zap.Uint64("clientId", request.ClientId), zap.String("playerName", playerName))
		return ResolvedApproval(ApprovalResponse{
			Approved:           true,
			CreatePlayerObject: params.CreatePlayerObject,
		})
	}
}
