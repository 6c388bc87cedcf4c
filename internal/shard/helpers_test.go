package shard

import logx "tzbot/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }
