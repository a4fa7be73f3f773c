package api

import (
	"time"

	"github.com/danmuck/cfdp/internal/machine"
)

// ReportView is the wire form of a machine.Report with enums spelled out.
type ReportView struct {
	Source          uint64     `json:"source"`
	Sequence        uint64     `json:"sequence"`
	Role            string     `json:"role"`
	State           string     `json:"state"`
	Mode            string     `json:"mode"`
	Remote          uint64     `json:"remote"`
	Suspended       bool       `json:"suspended"`
	Frozen          bool       `json:"frozen"`
	Cancelled       bool       `json:"cancelled"`
	Abandoned       bool       `json:"abandoned"`
	Finished        bool       `json:"finished"`
	ConditionCode   string     `json:"condition_code"`
	DeliveryCode    string     `json:"delivery_code"`
	FileStatus      string     `json:"file_status"`
	FinalStatus     string     `json:"final_status"`
	FileSize        uint32     `json:"file_size"`
	Progress        uint64     `json:"progress"`
	SourcePath      string     `json:"source_path"`
	DestinationPath string     `json:"destination_path"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func viewOf(rep machine.Report) ReportView {
	v := ReportView{
		Source:          uint64(rep.ID.Source),
		Sequence:        rep.ID.Sequence,
		Role:            rep.Role.String(),
		State:           rep.State.String(),
		Mode:            rep.Mode.String(),
		Remote:          uint64(rep.Remote),
		Suspended:       rep.Suspended,
		Frozen:          rep.Frozen,
		Cancelled:       rep.Cancelled,
		Abandoned:       rep.Abandoned,
		Finished:        rep.Finished,
		ConditionCode:   rep.ConditionCode.String(),
		DeliveryCode:    rep.DeliveryCode.String(),
		FileStatus:      rep.FileStatus.String(),
		FinalStatus:     rep.FinalStatus.String(),
		FileSize:        rep.FileSize,
		Progress:        rep.Progress,
		SourcePath:      rep.SourcePath,
		DestinationPath: rep.DestinationPath,
		StartedAt:       rep.StartedAt,
	}
	if !rep.FinishedAt.IsZero() {
		at := rep.FinishedAt
		v.FinishedAt = &at
	}
	return v
}
