// Package exam holds the identifiers of one exam attempt.
package exam

// Context identifies an exam attempt. It is fixed when the session is
// created and read-only afterwards.
type Context struct {
	SessionID       string `json:"session_id"`
	ExamID          string `json:"exam_id"`
	CandidateID     string `json:"candidate_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Missing returns the names of required identifiers that are empty.
func (c Context) Missing() []string {
	var missing []string
	if c.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if c.ExamID == "" {
		missing = append(missing, "exam_id")
	}
	if c.CandidateID == "" {
		missing = append(missing, "candidate_id")
	}
	return missing
}
