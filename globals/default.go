package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "spiretalk",
	Level: hclog.LevelFromString("INFO"),
})
