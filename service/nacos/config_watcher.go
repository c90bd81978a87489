package nacos

import (
	"sync"

	"PPCollab/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConfigSource is the subset of the nacos config client the watcher needs.
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher keeps the latest copy of one nacos document (a YAML overlay).
type Watcher struct {
	src    ConfigSource
	dataID string
	group  string
	log    *zap.Logger

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataID, group string) *Watcher {
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &Watcher{src: src, dataID: dataID, group: group, log: logger.Named("nacos")}
}

// Fetch reads the document once and remembers it.
func (w *Watcher) Fetch() (string, error) {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return "", errors.Wrapf(err, "nacos get %s/%s", w.group, w.dataID)
	}
	w.set(content)
	return content, nil
}

// Listen subscribes to changes. Settings are read at startup only, so a
// change is stored and logged; onChange may be nil.
func (w *Watcher) Listen(onChange func(data string)) error {
	err := w.src.ListenConfig(vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(namespace, group, dataId, data string) {
			w.set(data)
			w.log.Info("nacos config changed, restart to apply",
				zap.String("namespace", namespace),
				zap.String("group", group),
				zap.String("data_id", dataId),
				zap.Int("bytes", len(data)))
			if onChange != nil {
				onChange(data)
			}
		},
	})
	return errors.Wrapf(err, "nacos listen %s/%s", w.group, w.dataID)
}

func (w *Watcher) Stop() error {
	return w.src.CancelListenConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
}

func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) set(data string) {
	w.mu.Lock()
	w.current = data
	w.mu.Unlock()
}
