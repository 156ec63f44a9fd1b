package command

// Builtin returns a registry preloaded with the stock command set agents are
// expected to understand. Deployments extend it with Register before the
// engine starts accepting tasks.
func Builtin() *Registry {
	r := NewRegistry()
	for _, s := range builtinSpecs {
		// Specs are registered exactly once on a fresh registry.
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

var builtinSpecs = []Spec{
	{
		Type:      "shell.execute",
		Summary:   "run a command line on the agent host and stream its output",
		Streaming: true,
		Fields: []Field{
			{Name: "command", Kind: KindString, Required: true},
			{Name: "cwd", Kind: KindString},
			{Name: "timeout", Kind: KindDuration},
		},
	},
	{
		Type:    "file.upload",
		Summary: "push a file from the control plane to the agent host",
		Fields: []Field{
			{Name: "source_url", Kind: KindString, Required: true},
			{Name: "dest_path", Kind: KindString, Required: true},
			{Name: "overwrite", Kind: KindBool},
		},
	},
	{
		Type:      "file.download",
		Summary:   "pull a file from the agent host, chunked for large files",
		Streaming: true,
		Fields: []Field{
			{Name: "path", Kind: KindString, Required: true},
		},
	},
	{
		Type:    "net.ping",
		Summary: "round-trip liveness probe through the tasking channel",
		Fields: []Field{
			{Name: "payload", Kind: KindString},
		},
	},
	{
		Type:    "agent.sleep",
		Summary: "adjust the agent's beacon interval and jitter",
		Fields: []Field{
			{Name: "interval", Kind: KindDuration, Required: true},
			{Name: "jitter_percent", Kind: KindInt},
		},
	},
}
