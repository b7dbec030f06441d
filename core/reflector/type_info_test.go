package reflector

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type testStruct struct {
	Name string
}

type anotherStruct struct {
	Value int
}

const pkgPath = "github.com/codewandler/esrc/core/reflector"

func TestTypeInfoOf(t *testing.T) {
	ti := TypeInfoOf(testStruct{Name: "test"})
	require.Equal(t, pkgPath+".testStruct", ti.Name)
	require.Equal(t, "testStruct", ti.Short)
	require.Equal(t, "testStruct", ti.Type.Name())
}

func TestTypeInfoOf_Pointer(t *testing.T) {
	ti := TypeInfoOf(&testStruct{Name: "test"})
	require.Equal(t, pkgPath+".testStruct", ti.Name)
	require.NotEqual(t, reflect.Pointer, ti.Type.Kind())

	ti = TypeInfoFor[**anotherStruct]()
	require.Equal(t, "anotherStruct", ti.Short)
}

func TestTypeInfoFor(t *testing.T) {
	require.Equal(t, TypeInfoOf(testStruct{}), TypeInfoFor[testStruct]())
	require.Equal(t, TypeInfoOf(&testStruct{}), TypeInfoFor[*testStruct]())
}

func TestTypeInfoForType_Unnamed(t *testing.T) {
	ti := TypeInfoFor[[]byte]()
	require.Equal(t, "[]uint8", ti.Name)
	require.Equal(t, "[]uint8", ti.Short)

	ti = TypeInfoFor[string]()
	require.Equal(t, "string", ti.Name)
}

func TestTypeInfoForType_Nil(t *testing.T) {
	ti := TypeInfoForType(nil)
	require.Empty(t, ti.Name)
	require.Nil(t, ti.Type)
}

func TestConcurrentAccess(t *testing.T) {
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range 100 {
				_ = TypeInfoOf(testStruct{})
				_ = TypeInfoFor[anotherStruct]()
			}
		}()
	}
	wg.Wait()
}
