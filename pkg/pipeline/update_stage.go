package pipeline

type UpdateStage uint8

const (
	UpdateStage_EarlyUpdate UpdateStage = iota
	UpdateStage_PreUpdate
	UpdateStage_FixedUpdate
	UpdateStage_Update
	UpdateStage_PreLateUpdate
	UpdateStage_PostLateUpdate

	UpdateStage_NONE
)

// UpdateStages is the order the scheduler runs stages in each cycle, and the
// order outbound queues are flushed in.
var UpdateStages = []UpdateStage{
	UpdateStage_EarlyUpdate,
	UpdateStage_PreUpdate,
	UpdateStage_FixedUpdate,
	UpdateStage_Update,
	UpdateStage_PreLateUpdate,
	UpdateStage_PostLateUpdate,
}

func (s UpdateStage) String() string {
	switch s {
	case UpdateStage_EarlyUpdate:
		return "EarlyUpdate"
	case UpdateStage_PreUpdate:
		return "PreUpdate"
	case UpdateStage_FixedUpdate:
		return "FixedUpdate"
	case UpdateStage_Update:
		return "Update"
	case UpdateStage_PreLateUpdate:
		return "PreLateUpdate"
	case UpdateStage_PostLateUpdate:
		return "PostLateUpdate"
	}
	return "Unknown"
}
