package odds

import "math"

// lcg é o gerador congruencial linear usado para sorteio do crash point.
// Mesmos parâmetros do cliente: a rodada é reproduzível a partir do seed,
// então o par (seed, crashPoint) pode ser auditado depois do crash.
type lcg struct {
	seed int64
}

func newLCG(seed int64) *lcg {
	seed %= 233280
	if seed < 0 {
		seed += 233280
	}
	return &lcg{seed: seed}
}

// next retorna o próximo valor em [0,1)
func (g *lcg) next() float64 {
	g.seed = (g.seed*9301 + 49297) % 233280
	return float64(g.seed) / 233280
}

// GenerateCrashPoint sorteia o multiplicador de crash de uma rodada.
// Primeiro sorteio escolhe o bucket da tabela pela caminhada acumulada de
// probabilidade; o segundo interpola exponencialmente dentro do bucket,
// concentrando os resultados perto do mínimo (distribuição observada em
// jogos crash reais). Nunca retorna erro: tabela que não soma 1.0 apenas
// pode não casar bucket nenhum, e nesse caso vale o fallback estreito.
func GenerateCrashPoint(seed int64, table []Bucket) float64 {
	g := newLCG(seed)
	r := g.next()

	acc := 0.0
	for _, b := range table {
		acc += b.Chance
		if r < acc {
			min, max := b.Range[0], b.Range[1]
			if max <= min {
				// bucket degenerado: massa pontual, sem segundo sorteio
				return math.Max(1.0, min)
			}
			u := g.next()
			cp := min * math.Pow(max/min, u)
			return math.Max(1.0, cp)
		}
	}

	// nenhum bucket casou (tabela subnormalizada ou erro de ponto flutuante)
	return 1.1 + g.next()*0.4
}

// CrashTimeMs converte o crash point na duração do voo: ln(cp) * 1000ms,
// limitado a [1000ms, maxMs]. Crash points maiores demoram mais pra chegar.
func CrashTimeMs(crashPoint float64, maxMs int64) int64 {
	ms := math.Log(crashPoint) * 1000
	if ms < 1000 {
		ms = 1000
	}
	if ms > float64(maxMs) {
		ms = float64(maxMs)
	}
	return int64(math.Round(ms))
}

// MultiplierAt calcula o multiplicador corrente do voo. Retorna ok=false
// quando o tempo decorrido alcançou o crash ("já crashou"). A curva é
// cp^(t/crashTime): no instante do crash o valor é exatamente o crash point,
// e na metade do voo é sqrt(cp). Cliente e servidor avaliam a mesma fórmula
// sobre os mesmos parâmetros broadcast (startTime, crashTime, crashPoint).
func MultiplierAt(elapsedMs, crashTimeMs int64, crashPoint float64) (float64, bool) {
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	if crashTimeMs <= 0 || elapsedMs >= crashTimeMs {
		return 0, false
	}
	progress := float64(elapsedMs) / float64(crashTimeMs)
	return math.Exp(progress * math.Log(crashPoint)), true
}
