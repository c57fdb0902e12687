package topics

const (
	// Liquidação de apostas (auditoria)
	WagerSettled  = "wager_settled"
	RoundFinished = "round_finished"

	// DLQs
	WagerSettledDLQ = "wager_settled_dlq"
)
