// Package logger adapts zap and logrus loggers to btcore.Logger. A
// *slog.Logger satisfies btcore.Logger without an adapter.
//
// Both adapters read the engine's alternating key-value arguments the way
// slog does: a key that is not a string, or a key without a value, is logged
// under "!BADKEY". Error values are logged by their message.
//
// Every connection the registry opens on a path shares one logger, the one
// passed to the first Open:
//
//	zl, _ := zap.NewProduction()
//	reg := btcore.NewRegistry()
//	b, err := reg.Open("data.db", btcore.WithLogger(logger.NewZap(zl)))
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
package logger

// badKey names a value whose key is missing or not a string.
const badKey = "!BADKEY"

// eachPair calls fn for every key-value pair in args.
func eachPair(args []any, fn func(key string, val any)) {
	for len(args) > 0 {
		key, ok := args[0].(string)
		if !ok || len(args) == 1 {
			fn(badKey, args[0])
			args = args[1:]
			continue
		}
		fn(key, args[1])
		args = args[2:]
	}
}
