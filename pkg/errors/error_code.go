package errors

// ErrorCode identifies a class of failure raised by the engine.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidQuote         ErrorCode = 102
	ErrCodeInvalidTick          ErrorCode = 103
	ErrCodeInvalidBar           ErrorCode = 104
	ErrCodeInvalidTickSize      ErrorCode = 105
	ErrCodeInvalidLotSize       ErrorCode = 106
	ErrCodeInvalidVolume        ErrorCode = 107

	// Timeframe and aggregation errors (200-299)
	ErrCodeUnsupportedGranularity ErrorCode = 200
	ErrCodeStaleUpdate            ErrorCode = 201
	ErrCodeSeriesCapacity         ErrorCode = 202

	// Market routing errors (300-399)
	ErrCodeUnknownInstrument   ErrorCode = 300
	ErrCodeDuplicateInstrument ErrorCode = 301
	ErrCodeTimeRegression      ErrorCode = 302
	ErrCodeNoQuote             ErrorCode = 303

	// Trade lifecycle errors (400-499)
	ErrCodeInvalidTransition  ErrorCode = 400
	ErrCodeTradeNotFound      ErrorCode = 401
	ErrCodeInvalidStopLoss    ErrorCode = 402
	ErrCodeInvalidTakeProfit  ErrorCode = 403
	ErrCodeTradeNotClosed     ErrorCode = 404
	ErrCodeVolumeInconsistent ErrorCode = 405

	// Execution and matching errors (500-599)
	ErrCodeIntrabarAmbiguity ErrorCode = 500
	ErrCodeStopOrderNotFound ErrorCode = 501
	ErrCodeInvalidStopOrder  ErrorCode = 502
	ErrCodeFillFailed        ErrorCode = 503

	// Journal and reporting errors (600-699)
	ErrCodeJournalInitFailed  ErrorCode = 600
	ErrCodeJournalWriteFailed ErrorCode = 601
	ErrCodeJournalQueryFailed ErrorCode = 602
	ErrCodeExportFailed       ErrorCode = 603

	// Feeder errors (700-799)
	ErrCodeFeedOpenFailed  ErrorCode = 700
	ErrCodeFeedParseFailed ErrorCode = 701
	ErrCodeFeedClosed      ErrorCode = 702
)

// fatalCodes are the failures that invalidate global time ordering or bar
// data, so the whole run has to stop. Everything else is reported to the
// caller and contained.
var fatalCodes = map[ErrorCode]bool{
	ErrCodeInvalidConfiguration:   true,
	ErrCodeUnsupportedGranularity: true,
	ErrCodeStaleUpdate:            true,
	ErrCodeTimeRegression:         true,
	ErrCodeIntrabarAmbiguity:      true,
}

// IsFatalCode reports whether code aborts the entire run when raised in
// backtesting mode.
func IsFatalCode(code ErrorCode) bool {
	return fatalCodes[code]
}
