package ingester

import (
	"net/rpc"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// PluginName is the name the ingester is dispensed under.
const PluginName = "ingester"

// Handshake is shared by dstream hosts and ingester plugins.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DSTREAM_PLUGIN",
	MagicCookieValue: "dstream-ingester",
}

// ServicePlugin exposes a Service over go-plugin's net/rpc transport.
type ServicePlugin struct {
	Impl Service
}

func (p *ServicePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (ServicePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// RPCClient is the host side of the connection.
type RPCClient struct{ client *rpc.Client }

var _ Service = (*RPCClient)(nil)

func (c *RPCClient) Start(configJSON []byte) error {
	var resp interface{}
	return c.client.Call("Plugin.Start", configJSON, &resp)
}

func (c *RPCClient) Stop() error {
	var resp interface{}
	return c.client.Call("Plugin.Stop", new(interface{}), &resp)
}

func (c *RPCClient) GetSchema() ([]FieldSchema, error) {
	var resp []FieldSchema
	err := c.client.Call("Plugin.GetSchema", new(interface{}), &resp)
	return resp, err
}

// RPCServer is the plugin side of the connection.
type RPCServer struct {
	Impl Service
}

func (s *RPCServer) Start(configJSON []byte, resp *interface{}) error {
	return s.Impl.Start(configJSON)
}

func (s *RPCServer) Stop(args interface{}, resp *interface{}) error {
	return s.Impl.Stop()
}

func (s *RPCServer) GetSchema(args interface{}, resp *[]FieldSchema) error {
	schema, err := s.Impl.GetSchema()
	*resp = schema
	return err
}

// Serve publishes impl to the host that launched this process.
func Serve(impl Service, logger hclog.Logger) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &ServicePlugin{Impl: impl},
		},
		Logger: logger,
	})
}
