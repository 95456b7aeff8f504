package gateway

type Registry struct {
	gateways map[int32]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	items := make(map[int32]Gateway, len(gateways))
	for _, g := range gateways {
		items[g.Code()] = g
	}
	return &Registry{gateways: items}
}

func (r *Registry) Get(code int32) (Gateway, error) {
	g, ok := r.gateways[code]
	if !ok {
		return nil, ErrGatewayNotSupported
	}
	return g, nil
}
