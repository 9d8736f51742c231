package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns of a job row during scanning
type JobScanArgs struct {
	BatchID        sql.NullString
	PreviousStatus sql.NullString
	Payload        sql.NullString
	ArtifactRef    sql.NullString
	ErrorInfo      sql.NullString
	CancelReason   sql.NullString
	StartedAt      sql.NullTime
	CompletedAt    sql.NullTime
	CancelledAt    sql.NullTime
	ClaimedBy      sql.NullString
}

// GetJobScanTargets returns scan destinations in the order of StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Kind,
		&job.OwnerID,
		&job.ProjectID,
		&args.BatchID,
		&job.Status,
		&args.PreviousStatus,
		&args.Payload,
		&args.ArtifactRef,
		&args.ErrorInfo,
		&args.CancelReason,
		&job.Priority,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.CancelledAt,
		&job.UpdatedAt,
		&args.ClaimedBy,
	}
}

// ProcessJobScanArgs copies the scanned nullable columns onto the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	job.BatchID = args.BatchID.String
	job.PreviousStatus = JobStatus(args.PreviousStatus.String)
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	job.ArtifactRef = args.ArtifactRef.String
	job.ErrorInfo = args.ErrorInfo.String
	job.CancelReason = args.CancelReason.String
	job.ClaimedBy = args.ClaimedBy.String
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
	if args.CancelledAt.Valid {
		t := args.CancelledAt.Time
		job.CancelledAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job from a *sql.Row or *sql.Rows
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, args)
	return &job, nil
}

// StandardJobSelectColumns returns the column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, kind, owner_id, project_id, batch_id,
		status, previous_status, payload,
		artifact_ref, error_info, cancel_reason, priority,
		created_at, started_at, completed_at, cancelled_at, updated_at,
		claimed_by`
}
