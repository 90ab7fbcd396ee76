package remote

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const FirstResponseSequenceNumber = int64(1)

// applies one response to the model. Application errors are surfaced by the
// function itself and also returned so the caller learns the outcome.
type ResponseApplyFunction func(response *Response) error

type timerScheduler interface {
	After(timeout time.Duration, callback func()) (cancel func())
}

type responseItem struct {
	response       *Response
	sequenceNumber int64
	receiveTime    time.Time

	// the index of the item in the heap
	heapIndex int
}

// Orders responses by sequence number and applies each exactly once.
// Must only be used from the session loop.
type ResponseQueue struct {
	apply      ResponseApplyFunction
	timers     timerScheduler
	gapTimeout time.Duration
	gapError   func(err *ProtocolError)

	expectedSequenceNumber      int64
	lastProcessedSequenceNumber int64

	// ordered by sequenceNumber
	orderedItems []*responseItem
	// unsequenced responses added while a user request is pending
	unsequenced []*Response

	cancelGapTimer func()
}

func NewResponseQueue(
	apply ResponseApplyFunction,
	timers timerScheduler,
	gapTimeout time.Duration,
	gapError func(err *ProtocolError),
) *ResponseQueue {
	responseQueue := &ResponseQueue{
		apply:                  apply,
		timers:                 timers,
		gapTimeout:             gapTimeout,
		gapError:               gapError,
		expectedSequenceNumber: FirstResponseSequenceNumber,
		orderedItems:           []*responseItem{},
		unsequenced:            []*Response{},
	}
	heap.Init(responseQueue)
	return responseQueue
}

func (self *ResponseQueue) ExpectedSequenceNumber() int64 {
	return self.expectedSequenceNumber
}

func (self *ResponseQueue) LastProcessedSequenceNumber() int64 {
	return self.lastProcessedSequenceNumber
}

// number of buffered responses
func (self *ResponseQueue) Size() int {
	return len(self.orderedItems) + len(self.unsequenced)
}

// tells the server which responses it can forget
func (self *ResponseQueue) PrepareRequest(request *Request) {
	ack := self.lastProcessedSequenceNumber
	request.Ack = &ack
}

// buffers the response without applying anything
func (self *ResponseQueue) Add(response *Response) {
	if response.SequenceNumber == nil {
		self.unsequenced = append(self.unsequenced, response)
		return
	}
	if glog.V(1) {
		glog.Infof("[q]buffer %s (expected #%d)\n", response, self.expectedSequenceNumber)
	}
	heap.Push(self, &responseItem{
		response:       response,
		sequenceNumber: *response.SequenceNumber,
		receiveTime:    time.Now(),
	})
	responseBufferedCount.Inc()
}

// Admits the response and applies every buffered response that is next in
// sequence. Returns the outcome of `response` when it was applied, or the
// first protocol error of any applied response.
func (self *ResponseQueue) Process(response *Response) error {
	if response.Combined && response.SequenceNumber != nil {
		self.realign(*response.SequenceNumber)
	}
	self.Add(response)
	return self.drain(response)
}

// applies buffered responses that are next in sequence
func (self *ResponseQueue) Drain() error {
	return self.drain(nil)
}

func (self *ResponseQueue) drain(target *Response) (returnErr error) {
	defer self.updateGapTimer()

	applyItem := func(response *Response) error {
		err := self.apply(response)
		responseAppliedCount.Inc()
		var protocolErr *ProtocolError
		if errors.As(err, &protocolErr) {
			return err
		}
		if response == target {
			returnErr = err
		}
		return nil
	}

	unsequenced := self.unsequenced
	self.unsequenced = []*Response{}
	for _, response := range unsequenced {
		if err := applyItem(response); err != nil {
			return err
		}
	}

	for 0 < len(self.orderedItems) {
		item := self.orderedItems[0]
		if item.sequenceNumber < self.expectedSequenceNumber {
			// already applied
			heap.Pop(self)
			glog.Infof("[q]drop duplicate %s (expected #%d)\n", item.response, self.expectedSequenceNumber)
			continue
		}
		if item.sequenceNumber != self.expectedSequenceNumber {
			if glog.V(1) {
				glog.Infof("[q]gap before %s (expected #%d)\n", item.response, self.expectedSequenceNumber)
			}
			break
		}
		heap.Pop(self)
		self.lastProcessedSequenceNumber = item.sequenceNumber
		self.expectedSequenceNumber = item.sequenceNumber + 1
		if glog.V(1) {
			glog.Infof("[q]apply %s\n", item.response)
		}
		if err := applyItem(item.response); err != nil {
			return err
		}
	}
	return
}

// a combined response replaces everything the server had not seen acknowledged
func (self *ResponseQueue) realign(sequenceNumber int64) {
	glog.Infof("[q]realign expected #%d -> #%d\n", self.expectedSequenceNumber, sequenceNumber)
	for 0 < len(self.orderedItems) && self.orderedItems[0].sequenceNumber < sequenceNumber {
		heap.Pop(self)
	}
	self.expectedSequenceNumber = sequenceNumber
}

func (self *ResponseQueue) updateGapTimer() {
	if len(self.orderedItems) == 0 {
		if self.cancelGapTimer != nil {
			self.cancelGapTimer()
			self.cancelGapTimer = nil
		}
		return
	}
	if self.cancelGapTimer != nil || self.timers == nil || self.gapTimeout <= 0 {
		return
	}
	gapSequenceNumber := self.expectedSequenceNumber
	self.cancelGapTimer = self.timers.After(self.gapTimeout, func() {
		self.cancelGapTimer = nil
		if len(self.orderedItems) == 0 || self.expectedSequenceNumber != gapSequenceNumber {
			self.updateGapTimer()
			return
		}
		self.gapError(&ProtocolError{
			Kind: ProtocolErrorSequenceGap,
			Message: fmt.Sprintf(
				"Response #%d not received after %s (%d responses buffered, first #%d)",
				gapSequenceNumber,
				self.gapTimeout,
				len(self.orderedItems),
				self.orderedItems[0].sequenceNumber,
			),
		})
	})
}

// heap.Interface

func (self *ResponseQueue) Push(x any) {
	item := x.(*responseItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *ResponseQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *ResponseQueue) Len() int {
	return len(self.orderedItems)
}

func (self *ResponseQueue) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *ResponseQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
