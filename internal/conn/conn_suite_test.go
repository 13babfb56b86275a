//go:build test

//go:generate go run github.com/srgg/testify/depend/cmd/dependgen

package conn

import (
	"testing"
	"time"

	"github.com/srgg/testify/depend"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

// SpliceLifecycleSuite exercises a splice's natural order of operations —
// link, then transfer, then unlink — as dependency-ordered suite methods
// rather than independent tests, since each step's assertions only make
// sense given the previous step's side effects are still in place.
type SpliceLifecycleSuite struct {
	suite.Suite

	h             *harness
	idA, idB, idC int
	outsideA      int
	outsideB      int
	outsideC      int
}

func (s *SpliceLifecycleSuite) SetupSuite() {
	s.h = newHarness(s.T())

	connA, outsideA := socketpair(s.T())
	connB, outsideB := socketpair(s.T())
	s.outsideA, s.outsideB = outsideA, outsideB
	s.idA = s.h.newConn(s.T(), connA)
	s.idB = s.h.newConn(s.T(), connB)
}

func (s *SpliceLifecycleSuite) TearDownSuite() {
	unix.Close(s.outsideA)
	unix.Close(s.outsideB)
	if s.outsideC != 0 {
		unix.Close(s.outsideC)
	}
}

func (s *SpliceLifecycleSuite) TestLink() {
	s.Require().NoError(s.h.engine.Link(s.idA, s.idB, true))
}

// @dependsOn TestLink
func (s *SpliceLifecycleSuite) TestTransferAfterLink() {
	_, err := unix.Write(s.outsideA, []byte("hello"))
	s.Require().NoError(err)

	buf := make([]byte, 16)
	s.Require().Eventually(func() bool {
		n, _ := unix.Read(s.outsideB, buf)
		return n == 5 && string(buf[:5]) == "hello"
	}, 2*time.Second, 5*time.Millisecond)
}

// @dependsOn TestTransferAfterLink
func (s *SpliceLifecycleSuite) TestUnlinkResetsBuffer() {
	_, err := unix.Write(s.outsideA, []byte("buffered"))
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		pA, _ := s.h.engine.payload(s.idA)
		return !pA.Buf.IsEmpty()
	}, time.Second, 2*time.Millisecond)

	s.Require().NoError(s.h.engine.Unlink(s.idA))

	connC, outsideC := socketpair(s.T())
	s.outsideC = outsideC
	s.idC = s.h.newConn(s.T(), connC)
	s.Require().NoError(s.h.engine.Link(s.idA, s.idC, true))

	buf := make([]byte, 16)
	time.Sleep(50 * time.Millisecond)
	n, _ := unix.Read(s.outsideC, buf)
	s.Require().Equal(0, n, "bytes buffered before the unlink must not reappear on the new peer")
}

// @dependsOn TestUnlinkResetsBuffer
func (s *SpliceLifecycleSuite) TestFinalStateIsConsistent() {
	pA, ok := s.h.engine.payload(s.idA)
	s.Require().True(ok)
	s.Require().Equal(s.idC, pA.Peer)

	hB := s.h.table.Slot(s.idB)
	s.Require().NotNil(hB)
}

func TestSpliceLifecycleSuite(t *testing.T) {
	depend.RunSuite(t, new(SpliceLifecycleSuite))
}
