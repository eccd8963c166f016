package message

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/sessamekesh/spanreed-session/pkg/message/SessionMessage"
)

// BuildConnectionData encodes the optional ConnectionRequest blob used by the
// bundled token approver.
func BuildConnectionData(playerName string, authToken []byte) []byte {
	b := flatbuffers.NewBuilder(64)
	var pName, pToken flatbuffers.UOffsetT
	if playerName != "" {
		pName = b.CreateString(playerName)
	}
	if authToken != nil {
		pToken = b.CreateByteVector(authToken)
	}

	SessionMessage.ConnectionDataStart(b)
	if playerName != "" {
		SessionMessage.ConnectionDataAddPlayerName(b, pName)
	}
	if authToken != nil {
		SessionMessage.ConnectionDataAddAuthToken(b, pToken)
	}
	b.Finish(SessionMessage.ConnectionDataEnd(b))

	return b.FinishedBytes()
}

// ParseConnectionData reads a ConnectionData table, turning the panics a
// deformed flatbuffer can cause into an error.
func ParseConnectionData(payload []byte) (playerName string, authToken []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			playerName = ""
			authToken = nil
			err = fmt.Errorf("deformed connection data: %v", r)
		}
	}()

	if len(payload) < flatbuffers.SizeUOffsetT {
		return "", nil, fmt.Errorf("deformed connection data: %d bytes", len(payload))
	}

	o := SessionMessage.GetRootAsConnectionData(payload, 0)
	return string(o.PlayerName()), append([]byte{}, o.AuthTokenBytes()...), nil
}
