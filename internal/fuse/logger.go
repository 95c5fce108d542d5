package fuse

import "github.com/utooland/opfs/pkg/utils"

var logger = newLogger()

func newLogger() *utils.StructuredLogger {
	l, err := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	if err != nil {
		panic(err)
	}
	return l.WithComponent("fuse")
}
