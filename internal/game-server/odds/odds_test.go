package odds

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCrashPointDeterministic(t *testing.T) {
	a := GenerateCrashPoint(12345, DefaultTable)
	b := GenerateCrashPoint(12345, DefaultTable)
	assert.Equal(t, a, b, "mesmo seed, mesma tabela, mesmo crash point")

	c := GenerateCrashPoint(54321, DefaultTable)
	assert.NotEqual(t, a, c)
}

func TestGenerateCrashPointNeverBelowOne(t *testing.T) {
	for seed := int64(0); seed < 5000; seed++ {
		cp := GenerateCrashPoint(seed, DefaultTable)
		require.GreaterOrEqual(t, cp, 1.0, "seed %d", seed)
		require.LessOrEqual(t, cp, 100.0, "seed %d", seed)
	}
}

func TestGenerateCrashPointLandsInDrawnBucket(t *testing.T) {
	// reproduz o primeiro sorteio do seed e confere que o resultado cai
	// na faixa do bucket escolhido pela caminhada acumulada
	const seed = int64(12345)
	r := newLCG(seed).next()

	acc := 0.0
	var want Bucket
	for _, b := range DefaultTable {
		acc += b.Chance
		if r < acc {
			want = b
			break
		}
	}
	require.NotZero(t, want.Chance, "seed de teste precisa casar um bucket")

	cp := GenerateCrashPoint(seed, DefaultTable)
	assert.GreaterOrEqual(t, cp, want.Range[0])
	assert.LessOrEqual(t, cp, want.Range[1])
}

func TestGenerateCrashPointNegativeSeed(t *testing.T) {
	cp := GenerateCrashPoint(-987654, DefaultTable)
	assert.GreaterOrEqual(t, cp, 1.0)
}

func TestGenerateCrashPointWithinBucket(t *testing.T) {
	// tabela de bucket único: o resultado tem que cair na faixa
	table := []Bucket{{Range: [2]float64{2.0, 4.0}, Chance: 1.0}}
	for seed := int64(0); seed < 1000; seed++ {
		cp := GenerateCrashPoint(seed, table)
		require.GreaterOrEqual(t, cp, 2.0)
		require.LessOrEqual(t, cp, 4.0)
	}
}

func TestGenerateCrashPointDegenerateBucket(t *testing.T) {
	table := []Bucket{{Range: [2]float64{3.0, 3.0}, Chance: 1.0}}
	assert.Equal(t, 3.0, GenerateCrashPoint(42, table))

	// massa pontual abaixo de 1.0 é elevada ao piso
	table = []Bucket{{Range: [2]float64{0.5, 0.5}, Chance: 1.0}}
	assert.Equal(t, 1.0, GenerateCrashPoint(42, table))
}

func TestGenerateCrashPointFallback(t *testing.T) {
	// tabela vazia: nenhum bucket casa, vale a faixa estreita do fallback
	cp := GenerateCrashPoint(777, nil)
	assert.GreaterOrEqual(t, cp, 1.1)
	assert.Less(t, cp, 1.5)

	// tabela subnormalizada com sorteio acima da massa total
	table := []Bucket{{Range: [2]float64{1.0, 2.0}, Chance: 0.0001}}
	for seed := int64(0); seed < 200; seed++ {
		cp := GenerateCrashPoint(seed, table)
		require.GreaterOrEqual(t, cp, 1.0)
		require.Less(t, cp, 2.0)
	}
}

func TestCrashTimeMs(t *testing.T) {
	// ln(cp)*1000, com piso de 1s e teto configurável
	assert.Equal(t, int64(1000), CrashTimeMs(1.0, 20000), "cp=1.0 bate no piso")
	assert.Equal(t, int64(1000), CrashTimeMs(2.0, 20000), "ln(2)*1000≈693 bate no piso")
	assert.Equal(t, int64(1099), CrashTimeMs(3.0, 20000))
	assert.Equal(t, int64(20000), CrashTimeMs(1e12, 20000), "teto")
	assert.Equal(t, int64(5000), CrashTimeMs(1e12, 5000), "teto configurado")
}

func TestMultiplierAtEndpoints(t *testing.T) {
	// começa em 1.0
	m, ok := MultiplierAt(0, 1099, 3.0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, m, 1e-9)

	// na metade do voo: sqrt(cp)
	m, ok = MultiplierAt(550, 1100, 3.0)
	require.True(t, ok)
	assert.InDelta(t, math.Sqrt(3.0), m, 1e-9)

	// no instante do crash (e depois) não há mais multiplicador válido
	_, ok = MultiplierAt(1099, 1099, 3.0)
	assert.False(t, ok)
	_, ok = MultiplierAt(5000, 1099, 3.0)
	assert.False(t, ok)
}

func TestMultiplierAtApproachesCrashPoint(t *testing.T) {
	const crashTime = int64(10000)
	const cp = 5.0
	m, ok := MultiplierAt(crashTime-1, crashTime, cp)
	require.True(t, ok)
	assert.InDelta(t, cp, m, 0.01)
	assert.Less(t, m, cp)
}

func TestMultiplierAtStrictlyIncreasing(t *testing.T) {
	const crashTime = int64(10000)
	const cp = 7.5
	prev := 0.0
	for elapsed := int64(0); elapsed < crashTime; elapsed += 100 {
		m, ok := MultiplierAt(elapsed, crashTime, cp)
		require.True(t, ok)
		require.Greater(t, m, prev)
		prev = m
	}
}

func TestMultiplierAtNegativeElapsed(t *testing.T) {
	m, ok := MultiplierAt(-500, 2000, 2.0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, m, 1e-9)
}

func TestLCGSequenceMatchesReference(t *testing.T) {
	// sequência de referência do gerador (seed*9301+49297) % 233280
	g := newLCG(12345)
	first := g.next()
	assert.InDelta(t, float64((12345*9301+49297)%233280)/233280, first, 1e-12)

	// valores sempre em [0,1)
	for i := 0; i < 1000; i++ {
		v := g.next()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}
