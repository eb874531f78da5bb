package revtree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/stretchr/testify/require"
)

func benchmarkStdMapInsert(factor int, b *testing.B) {
	m := map[string]ObjectID{}
	for n := 0; n < factor*b.N; n++ {
		name := fmt.Sprintf("f%d", n)
		m[name] = featureID(name, 0)
	}
}

func BenchmarkStdMapInsert1(b *testing.B)    { benchmarkStdMapInsert(1, b) }
func BenchmarkStdMapInsert100(b *testing.B)  { benchmarkStdMapInsert(100, b) }
func BenchmarkStdMapInsert10k(b *testing.B)  { benchmarkStdMapInsert(10_000, b) }
func BenchmarkStdMapInsert100k(b *testing.B) { benchmarkStdMapInsert(100_000, b) }

func benchmarkPut(factor int, b *testing.B) {
	builder, err := NewBuilder(ctx, BuilderConfig{Store: NewInMemoryObjectStore(), Logger: testLogger()})
	require.NoError(b, err)
	defer builder.Close()
	for n := 0; n < factor*b.N; n++ {
		name := fmt.Sprintf("f%d", n)
		if err := builder.Put(ctx, NewFeature(name, featureID(name, 0), nil)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPut1(b *testing.B)    { benchmarkPut(1, b) }
func BenchmarkPut100(b *testing.B)  { benchmarkPut(100, b) }
func BenchmarkPut10k(b *testing.B)  { benchmarkPut(10_000, b) }
func BenchmarkPut100k(b *testing.B) { benchmarkPut(100_000, b) }

func benchmarkBuild(size int, b *testing.B) {
	nodes := make([]Node, size)
	for i := range nodes {
		name := fmt.Sprintf("f%d", i)
		nodes[i] = NewFeature(name, featureID(name, 0), nil)
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if _, err := BuildFrom(ctx, NewInMemoryObjectStore(), NullID, nodes...); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBuild1(b *testing.B)    { benchmarkBuild(1, b) }
func BenchmarkBuild100(b *testing.B)  { benchmarkBuild(100, b) }
func BenchmarkBuild10k(b *testing.B)  { benchmarkBuild(10_000, b) }
func BenchmarkBuild100k(b *testing.B) { benchmarkBuild(100_000, b) }

// benchmarkRebuild measures replacing one feature of an existing tree,
// which should only rewrite the path to it.
func benchmarkRebuild(size int, b *testing.B) {
	store := NewInMemoryObjectStore()
	nodes := make([]Node, size)
	for i := range nodes {
		name := fmt.Sprintf("f%d", i)
		nodes[i] = NewFeature(name, featureID(name, 0), nil)
	}
	base, err := BuildFrom(ctx, store, NullID, nodes...)
	require.NoError(b, err)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		name := fmt.Sprintf("f%d", n%size)
		_, err := BuildFrom(ctx, store, base, NewFeature(name, featureID(name, n+1), nil))
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRebuild100(b *testing.B)  { benchmarkRebuild(100, b) }
func BenchmarkRebuild10k(b *testing.B)  { benchmarkRebuild(10_000, b) }
func BenchmarkRebuild100k(b *testing.B) { benchmarkRebuild(100_000, b) }

func BenchmarkBucketIndex(b *testing.B) {
	names := make([]string, 1024)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		_ = DefaultFormat.BucketIndex(names[n%len(names)], n%DefaultFormat.MaxDepth)
	}
}

func BenchmarkExerciser(b *testing.B) {
	parameters := gopter.DefaultTestParametersWithSeed(1593228262585360000)
	parameters.MaxSize = 512
	parameters.MinSuccessfulTests = b.N
	properties := gopter.NewProperties(parameters)
	properties.Property("revtree exerciser", commands.Prop(revtreeCommands))
	out := bytes.NewBuffer(nil)
	reporter := gopter.NewFormatedReporter(false, 98, out)
	require.True(b, properties.Run(reporter))
}
