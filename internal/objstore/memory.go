package objstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

type memObject struct {
	data     []byte
	modified time.Time
}

// Memory is a process-local Service. Objects are listed in name order.
// Failure hooks let callers simulate unreachable storage.
type Memory struct {
	mu         sync.Mutex
	containers map[string]map[string]memObject
	listErr    map[string]error
	readErr    map[string]error
	writeErr   map[string]error
	now        func() time.Time
}

// NewMemory creates an empty in-memory Service.
func NewMemory() *Memory {
	return &Memory{
		containers: make(map[string]map[string]memObject),
		listErr:    make(map[string]error),
		readErr:    make(map[string]error),
		writeErr:   make(map[string]error),
		now:        time.Now,
	}
}

// Put stores an object with an explicit modification time.
func (m *Memory) Put(container, name string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	objs, ok := m.containers[container]
	if !ok {
		objs = make(map[string]memObject)
		m.containers[container] = objs
	}

	objs[name] = memObject{data: slices.Clone(data), modified: modified.UTC()}
}

// FailList makes List on the container yield err. A nil err clears the hook.
func (m *Memory) FailList(container string, err error) {
	m.setHook(m.listErr, container, err)
}

// FailRead makes Read of container/name return err. A nil err clears the hook.
func (m *Memory) FailRead(container, name string, err error) {
	m.setHook(m.readErr, container+"/"+name, err)
}

// FailWrite makes every Write to the container return err. A nil err clears
// the hook.
func (m *Memory) FailWrite(container string, err error) {
	m.setHook(m.writeErr, container, err)
}

func (m *Memory) setHook(hooks map[string]error, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(hooks, key)

		return
	}

	hooks[key] = err
}

// Container implements Service.
func (m *Memory) Container(name string) Container {
	return &memContainer{svc: m, name: name}
}

// Close implements Service.
func (m *Memory) Close() error { return nil }

type memContainer struct {
	svc  *Memory
	name string
}

func (c *memContainer) List(ctx context.Context, prefix string) iter.Seq2[model.ObjectInfo, error] {
	return func(yield func(model.ObjectInfo, error) bool) {
		c.svc.mu.Lock()

		err := c.svc.listErr[c.name]

		var infos []model.ObjectInfo

		for name, obj := range c.svc.containers[c.name] {
			if strings.HasPrefix(name, prefix) {
				infos = append(infos, model.ObjectInfo{Name: name, LastModified: obj.modified, Size: int64(len(obj.data))})
			}
		}
		c.svc.mu.Unlock()

		if err != nil {
			yield(model.ObjectInfo{}, fmt.Errorf("list %s: %w", c.name, err))

			return
		}

		slices.SortFunc(infos, func(a, b model.ObjectInfo) int { return strings.Compare(a.Name, b.Name) })

		for _, info := range infos {
			ctxErr := ctx.Err()
			if ctxErr != nil {
				yield(model.ObjectInfo{}, ctxErr)

				return
			}

			if !yield(info, nil) {
				return
			}
		}
	}
}

func (c *memContainer) Read(_ context.Context, name string) ([]byte, error) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	err := c.svc.readErr[c.name+"/"+name]
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	obj, ok := c.svc.containers[c.name][name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, ErrNotExist)
	}

	return slices.Clone(obj.data), nil
}

func (c *memContainer) Write(_ context.Context, name string, data []byte) error {
	c.svc.mu.Lock()

	err := c.svc.writeErr[c.name]
	now := c.svc.now()
	c.svc.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	c.svc.Put(c.name, name, data, now)

	return nil
}
