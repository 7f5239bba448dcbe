package anomaly

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
)

// resultLog appends one JSON line per published event to a per-series
// file under the results directory. Write failures are logged and
// never block detection.
type resultLog struct {
	dir    string
	logger *zap.Logger
}

func newResultLog(dir string, logger *zap.Logger) (*resultLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &resultLog{dir: dir, logger: logger}, nil
}

func (l *resultLog) record(ev *model.AnomalyEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("marshal result", zap.Error(err))
		return
	}
	path := filepath.Join(l.dir, ev.Plugin+"_"+ev.Metric+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("open result log", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Warn("write result log", zap.String("path", path), zap.Error(err))
	}
}
