package deployment

import (
	"fmt"
	"time"
)

// LogLine is one entry of a deployment's append-only build log.
// Seq starts at 1 and increases by one for every line appended to the same deployment.
type LogLine struct {
	Seq     int64     `json:"seq"`
	Created time.Time `json:"created"`
	Text    string    `json:"text"`
}

func (l LogLine) String() string {
	return fmt.Sprintf("%s %s", l.Created.UTC().Format(time.RFC3339), l.Text)
}
