package results

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessLog is the JSON-lines log kept inside a job's working directory.
type ProcessLog struct {
	*logrus.Entry
	file *os.File
}

// NewProcessLog opens processing.log in dir. Every line carries the job id.
func NewProcessLog(dir, jobID string) (*ProcessLog, error) {
	f, err := os.OpenFile(filepath.Join(dir, ProcessLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(f)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	return &ProcessLog{Entry: logger.WithField("job_id", jobID), file: f}, nil
}

// Close flushes and closes the log file.
func (p *ProcessLog) Close() error {
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}
