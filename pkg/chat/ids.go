package chat

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ChatID identifies a conversation container.
type ChatID uuid.UUID

func (id ChatID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *ChatID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = ChatID(u)
	return nil
}

func (id ChatID) String() string {
	return uuid.UUID(id).String()
}

func NewChatID() ChatID {
	return ChatID(uuid.New())
}

var NullChatID = ChatID(uuid.Nil)

// MessageID identifies a single message node in a conversation tree.
type MessageID uuid.UUID

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

var NullMessageID = MessageID(uuid.Nil)

// JobID identifies one generation request's lifecycle.
type JobID uuid.UUID

func (id JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *JobID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = JobID(u)
	return nil
}

func (id JobID) String() string {
	return uuid.UUID(id).String()
}

func NewJobID() JobID {
	return JobID(uuid.New())
}

var NullJobID = JobID(uuid.Nil)

// NodeID identifies a remote compute node.
type NodeID uuid.UUID

func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

var NullNodeID = NodeID(uuid.Nil)
