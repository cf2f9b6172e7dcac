package hashmap_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edklab/kernel-bridge/common/utils/hashmap"
)

var _ = Describe("ConcurrentMap", func() {
	var m *hashmap.ConcurrentMap[int]

	BeforeEach(func() {
		m = hashmap.NewConcurrentMap[int](32)
	})

	It("Will store and load values", func() {
		m.Store("a", 1)

		val, ok := m.Load("a")
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal(1))

		_, ok = m.Load("b")
		Expect(ok).To(BeFalse())
		Expect(m.Len()).To(Equal(1))
	})

	It("Will load and delete atomically", func() {
		m.Store("a", 1)

		val, existed := m.LoadAndDelete("a")
		Expect(existed).To(BeTrue())
		Expect(val).To(Equal(1))

		_, existed = m.LoadAndDelete("a")
		Expect(existed).To(BeFalse())
		Expect(m.Len()).To(Equal(0))
	})

	It("Will only store on LoadOrStore when the key is absent", func() {
		actual, loaded := m.LoadOrStore("a", 1)
		Expect(loaded).To(BeFalse())
		Expect(actual).To(Equal(1))

		actual, loaded = m.LoadOrStore("a", 2)
		Expect(loaded).To(BeTrue())
		Expect(actual).To(Equal(1))
	})

	It("Will visit every entry on Range", func() {
		for i := 0; i < 16; i++ {
			m.Store(fmt.Sprintf("key-%d", i), i)
		}

		visited := 0
		m.Range(func(_ string, _ int) bool {
			visited++
			return true
		})
		Expect(visited).To(Equal(16))
	})

	It("Will stop iterating once the callback returns false", func() {
		for i := 0; i < 16; i++ {
			m.Store(fmt.Sprintf("key-%d", i), i)
		}

		visited := 0
		m.Range(func(_ string, _ int) bool {
			visited++
			return visited < 4
		})
		Expect(visited).To(Equal(4))
	})

	It("Will tolerate concurrent writers", func() {
		var waitGroup sync.WaitGroup
		for worker := 0; worker < 8; worker++ {
			waitGroup.Add(1)
			go func(worker int) {
				defer waitGroup.Done()
				for i := 0; i < 100; i++ {
					m.Store(fmt.Sprintf("key-%d-%d", worker, i), i)
				}
			}(worker)
		}
		waitGroup.Wait()

		Expect(m.Len()).To(Equal(800))
	})
})

var _ = Describe("SyncMap", func() {
	It("Will satisfy the shared map surface", func() {
		var m hashmap.BaseHashMap[string, int] = hashmap.NewSyncMap[string, int]()

		m.Store("a", 1)
		val, ok := m.Load("a")
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal(1))

		m.Delete("a")
		_, ok = m.Load("a")
		Expect(ok).To(BeFalse())
	})
})
