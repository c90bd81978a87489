package nacos

import (
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
)

// Options 连接 nacos 的参数
type Options struct {
	Addr      string // host:port
	Namespace string
	Username  string
	Password  string
	CacheDir  string
	LogDir    string
	LogLevel  string
}

func (o Options) params() (vo.NacosClientParam, error) {
	host, p, err := net.SplitHostPort(o.Addr)
	if err != nil {
		return vo.NacosClientParam{}, errors.Wrapf(err, "nacos addr %q", o.Addr)
	}
	port, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return vo.NacosClientParam{}, errors.Wrapf(err, "nacos port %q", p)
	}
	if o.CacheDir == "" {
		o.CacheDir = "nacos/cache"
	}
	if o.LogDir == "" {
		o.LogDir = "nacos/log"
	}
	if o.LogLevel == "" {
		o.LogLevel = "warn"
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(o.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(o.LogLevel),
		constant.WithCacheDir(o.CacheDir),
		constant.WithLogDir(o.LogDir),
	}
	if o.Username != "" {
		opts = append(opts, constant.WithUsername(o.Username), constant.WithPassword(o.Password))
	}
	return vo.NacosClientParam{
		ClientConfig:  constant.NewClientConfig(opts...),
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(host, port)},
	}, nil
}

func NewConfigClient(o Options) (config_client.IConfigClient, error) {
	p, err := o.params()
	if err != nil {
		return nil, err
	}
	c, err := clients.NewConfigClient(p)
	return c, errors.Wrap(err, "create nacos config client")
}

func NewNamingClient(o Options) (naming_client.INamingClient, error) {
	p, err := o.params()
	if err != nil {
		return nil, err
	}
	c, err := clients.NewNamingClient(p)
	return c, errors.Wrap(err, "create nacos naming client")
}
