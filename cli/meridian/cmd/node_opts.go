package cmd

type (
	Options struct {
		nodeRunFunc nodeRunnable
	}

	Option     func(*Options)
	allOptions struct{}
)

var (
	Opts = &allOptions{}
)

// NodeRunFunc sets the node runnable function. Otherwise, default function will be used.
func (o *allOptions) NodeRunFunc(nodeRunFunc nodeRunnable) Option {
	return func(options *Options) {
		options.nodeRunFunc = nodeRunFunc
	}
}

func convertOptsToRunnable(opts interface{}) nodeRunnable {
	switch v := opts.(type) {
	case nodeRunnable:
		return v
	case Option:
		executeOpts := Options{}
		v(&executeOpts)
		return executeOpts.nodeRunFunc
	default:
		return nil
	}
}
