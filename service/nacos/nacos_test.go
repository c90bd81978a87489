package nacos

import (
	"errors"
	"net"
	"testing"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	content  string
	getErr   error
	listener func(namespace, group, dataId, data string)
	canceled bool
}

func (f *fakeSource) GetConfig(p vo.ConfigParam) (string, error) { return f.content, f.getErr }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.listener = p.OnChange
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.canceled = true
	return nil
}

func TestWatcher_FetchAndListen(t *testing.T) {
	src := &fakeSource{content: "LOCK_TTL: 10m\n"}
	w := NewWatcher(src, "collab.yaml", "")
	assert.Equal(t, "DEFAULT_GROUP", w.group)

	got, err := w.Fetch()
	require.NoError(t, err)
	assert.Equal(t, "LOCK_TTL: 10m\n", got)
	assert.Equal(t, got, w.Current())

	var seen string
	require.NoError(t, w.Listen(func(data string) { seen = data }))
	require.NotNil(t, src.listener)
	src.listener("public", "DEFAULT_GROUP", "collab.yaml", "LOCK_TTL: 1m\n")
	assert.Equal(t, "LOCK_TTL: 1m\n", seen)
	assert.Equal(t, "LOCK_TTL: 1m\n", w.Current())

	require.NoError(t, w.Stop())
	assert.True(t, src.canceled)
}

func TestWatcher_FetchError(t *testing.T) {
	w := NewWatcher(&fakeSource{getErr: errors.New("boom")}, "collab.yaml", "G")
	_, err := w.Fetch()
	assert.ErrorContains(t, err, "nacos get G/collab.yaml: boom")
	assert.Empty(t, w.Current())
}

type fakeNaming struct {
	registered []vo.RegisterInstanceParam
	ok         bool
	err        error
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.registered = append(f.registered, p)
	return f.ok, f.err
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	return f.ok, f.err
}

func TestRegistry(t *testing.T) {
	n := &fakeNaming{ok: true}
	r := NewRegistry(n, "collab-service", "10.0.0.5", 3003, map[string]string{"protocol": "ws"})
	require.NoError(t, r.Register())
	require.Len(t, n.registered, 1)
	assert.Equal(t, uint64(3003), n.registered[0].Port)
	assert.True(t, n.registered[0].Ephemeral)
	assert.Equal(t, "ws", n.registered[0].Metadata["protocol"])
	require.NoError(t, r.Deregister())

	n.ok = false
	assert.EqualError(t, r.Register(), "register collab-service: returned false")
	assert.NoError(t, r.Deregister())
}

func TestOptions_Params(t *testing.T) {
	_, err := Options{Addr: "nacos"}.params()
	assert.Error(t, err)
	_, err = Options{Addr: "nacos:http"}.params()
	assert.Error(t, err)

	p, err := Options{Addr: "127.0.0.1:8848", Namespace: "dev", Username: "u", Password: "p"}.params()
	require.NoError(t, err)
	require.Len(t, p.ServerConfigs, 1)
	assert.Equal(t, uint64(8848), p.ServerConfigs[0].Port)
	assert.Equal(t, "dev", p.ClientConfig.NamespaceId)
	assert.Equal(t, "u", p.ClientConfig.Username)
}

func TestLocalIP(t *testing.T) {
	assert.NotNil(t, net.ParseIP(LocalIP()))
}
