package sqlstore

import (
	"time"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

// AnomalySetRow holds the current anomaly list and the merged feedback log
// array of one image
type AnomalySetRow struct {
	ImageID       string                `gorm:"primaryKey;type:varchar(255)"`
	TransformerNo string                `gorm:"index;not null"`
	InspectionNo  string                `gorm:"index;not null"`
	ImageKind     string                `gorm:"not null;default:Thermal"`
	Anomalies     []types.AnomalyRecord `gorm:"serializer:json"`
	Logs          []types.FeedbackLog   `gorm:"serializer:json"`
	UpdatedAt     time.Time             `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (AnomalySetRow) TableName() string {
	return "anomaly_sets"
}

// AnnotationRow is the last known state of a shape
type AnnotationRow struct {
	ID             string           `gorm:"primaryKey;type:varchar(64)"`
	ImageID        string           `gorm:"index;not null"`
	Idx            int              `gorm:"not null"`
	Shape          types.ShapeKind  `gorm:"type:varchar(16);not null"`
	BBox           types.Box        `gorm:"serializer:json"`
	Polygon        []types.Point    `gorm:"serializer:json"`
	ClassName      string           `gorm:"not null"`
	Confidence     float64
	Source         types.Source     `gorm:"type:varchar(8)"`
	AnnotationType types.Provenance `gorm:"type:varchar(16);index"`
	Status         types.ReviewStatus
	IsDeleted      bool `gorm:"index"`
	CreatedBy      string
	ModifiedBy     string
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`

	Actions []ActionRow `gorm:"foreignKey:AnnotationID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM.
func (AnnotationRow) TableName() string {
	return "annotations"
}

// ActionRow is one entry of a shape's audit trail. Rows are only ever inserted.
type ActionRow struct {
	ID            string            `gorm:"primaryKey;type:varchar(64)"`
	AnnotationID  string            `gorm:"index;not null"`
	ActionType    types.ActionType  `gorm:"type:varchar(16);not null"`
	UserID        string            `gorm:"index"`
	UserName      string
	Timestamp     time.Time         `gorm:"index"`
	Comment       string
	PreviousState *types.ShapeState `gorm:"serializer:json"`
	NewState      *types.ShapeState `gorm:"serializer:json"`
}

// TableName returns the table name for GORM.
func (ActionRow) TableName() string {
	return "annotation_actions"
}

func annotationRow(ref types.ImageRef, sh types.Shape) AnnotationRow {
	return AnnotationRow{
		ID:             sh.ID,
		ImageID:        ref.ImageID(),
		Idx:            sh.Idx,
		Shape:          sh.Kind,
		BBox:           sh.BBox,
		Polygon:        sh.Polygon,
		ClassName:      sh.ClassName,
		Confidence:     sh.Confidence,
		Source:         sh.Source,
		AnnotationType: sh.Provenance,
		Status:         sh.Status,
		IsDeleted:      sh.IsDeleted,
		CreatedBy:      sh.CreatedBy,
		ModifiedBy:     sh.ModifiedBy,
		CreatedAt:      sh.CreatedAt,
	}
}

func actionRow(a types.AnnotationAction) ActionRow {
	return ActionRow{
		ID:            a.ID,
		AnnotationID:  a.ShapeID,
		ActionType:    a.ActionType,
		UserID:        a.UserID,
		UserName:      a.UserName,
		Timestamp:     a.Timestamp,
		Comment:       a.Comment,
		PreviousState: a.PreviousState,
		NewState:      a.NewState,
	}
}

func (r ActionRow) action() types.AnnotationAction {
	return types.AnnotationAction{
		ID:            r.ID,
		ShapeID:       r.AnnotationID,
		ActionType:    r.ActionType,
		UserID:        r.UserID,
		UserName:      r.UserName,
		Timestamp:     r.Timestamp,
		Comment:       r.Comment,
		PreviousState: r.PreviousState,
		NewState:      r.NewState,
	}
}
