package sdk

import (
	"sort"
	"sync"
)

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Args   []any
}

// callLog is the call tracking shared by both mocks.
type callLog struct {
	mu    sync.Mutex
	calls []MockCall
}

func (l *callLog) record(method string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, MockCall{Method: method, Args: args})
}

// Calls returns all recorded method calls.
func (l *callLog) Calls() []MockCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]MockCall, len(l.calls))
	copy(result, l.calls)
	return result
}

// Methods returns the recorded method names in call order.
func (l *callLog) Methods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.calls))
	for i, c := range l.calls {
		names[i] = c.Method
	}
	return names
}

// CallCount returns the number of times a method was called.
func (l *callLog) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, c := range l.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears all recorded calls.
func (l *callLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// CallbackMock implements CallbackSDK for testing.
// Commands can be customized via function fields; nil fields succeed.
// Emit* methods deliver events to registered callbacks synchronously.
type CallbackMock struct {
	InitializeFunc          func(licenseKey string, opts InitOptions) (ErrorCode, error)
	StartTrackingFunc       func(stream VideoStream) (bool, error)
	StartCalibrationFunc    func(points int, criteria Accuracy) (bool, error)
	StartCollectSamplesFunc func() (any, error)
	StopCalibrationFunc     func() error
	StopTrackingFunc        func() error
	DeinitializeFunc        func() error

	callLog

	cbMu      sync.Mutex
	nextID    CallbackID
	gaze      map[CallbackID]func(GazeInfo)
	nextPoint map[CallbackID]func(x, y float64)
	progress  map[CallbackID]func(any)
	finish    map[CallbackID]func(any)
	debug     map[CallbackID]func(any)
}

// NewCallbackMock creates a mock whose commands all succeed.
func NewCallbackMock() *CallbackMock {
	return &CallbackMock{
		gaze:      make(map[CallbackID]func(GazeInfo)),
		nextPoint: make(map[CallbackID]func(x, y float64)),
		progress:  make(map[CallbackID]func(any)),
		finish:    make(map[CallbackID]func(any)),
		debug:     make(map[CallbackID]func(any)),
	}
}

func (m *CallbackMock) Initialize(licenseKey string, opts InitOptions) (ErrorCode, error) {
	m.record("Initialize", opts)
	if m.InitializeFunc != nil {
		return m.InitializeFunc(licenseKey, opts)
	}
	return ErrorNone, nil
}

func (m *CallbackMock) StartTracking(stream VideoStream) (bool, error) {
	m.record("StartTracking")
	if m.StartTrackingFunc != nil {
		return m.StartTrackingFunc(stream)
	}
	return true, nil
}

func (m *CallbackMock) StartCalibration(points int, criteria Accuracy) (bool, error) {
	m.record("StartCalibration", points, criteria)
	if m.StartCalibrationFunc != nil {
		return m.StartCalibrationFunc(points, criteria)
	}
	return true, nil
}

func (m *CallbackMock) StartCollectSamples() (any, error) {
	m.record("StartCollectSamples")
	if m.StartCollectSamplesFunc != nil {
		return m.StartCollectSamplesFunc()
	}
	return nil, nil
}

func (m *CallbackMock) StopCalibration() error {
	m.record("StopCalibration")
	if m.StopCalibrationFunc != nil {
		return m.StopCalibrationFunc()
	}
	return nil
}

func (m *CallbackMock) StopTracking() error {
	m.record("StopTracking")
	if m.StopTrackingFunc != nil {
		return m.StopTrackingFunc()
	}
	return nil
}

func (m *CallbackMock) Deinitialize() error {
	m.record("Deinitialize")
	if m.DeinitializeFunc != nil {
		return m.DeinitializeFunc()
	}
	return nil
}

func (m *CallbackMock) id() CallbackID {
	m.nextID++
	return m.nextID
}

func (m *CallbackMock) AddGazeCallback(fn func(GazeInfo)) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.id()
	m.gaze[id] = fn
	return id
}

func (m *CallbackMock) RemoveGazeCallback(id CallbackID) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.gaze, id)
}

func (m *CallbackMock) AddCalibrationNextPointCallback(fn func(x, y float64)) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.id()
	m.nextPoint[id] = fn
	return id
}

func (m *CallbackMock) RemoveCalibrationNextPointCallback(id CallbackID) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.nextPoint, id)
}

func (m *CallbackMock) AddCalibrationProgressCallback(fn func(any)) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.id()
	m.progress[id] = fn
	return id
}

func (m *CallbackMock) RemoveCalibrationProgressCallback(id CallbackID) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.progress, id)
}

func (m *CallbackMock) AddCalibrationFinishCallback(fn func(any)) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.id()
	m.finish[id] = fn
	return id
}

func (m *CallbackMock) RemoveCalibrationFinishCallback(id CallbackID) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.finish, id)
}

func (m *CallbackMock) AddDebugCallback(fn func(any)) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.id()
	m.debug[id] = fn
	return id
}

func (m *CallbackMock) RemoveDebugCallback(id CallbackID) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.debug, id)
}

// CallbackCount returns how many callbacks are registered across all events.
func (m *CallbackMock) CallbackCount() int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return len(m.gaze) + len(m.nextPoint) + len(m.progress) + len(m.finish) + len(m.debug)
}

// EmitGaze delivers info to every gaze callback.
func (m *CallbackMock) EmitGaze(info GazeInfo) {
	m.cbMu.Lock()
	fns := inOrder(m.gaze)
	m.cbMu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

// EmitNextPoint delivers a calibration target.
func (m *CallbackMock) EmitNextPoint(x, y float64) {
	m.cbMu.Lock()
	fns := inOrder(m.nextPoint)
	m.cbMu.Unlock()
	for _, fn := range fns {
		fn(x, y)
	}
}

// EmitProgress delivers a raw progress payload.
func (m *CallbackMock) EmitProgress(raw any) {
	m.cbMu.Lock()
	fns := inOrder(m.progress)
	m.cbMu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

// EmitFinish delivers calibration data.
func (m *CallbackMock) EmitFinish(data any) {
	m.cbMu.Lock()
	fns := inOrder(m.finish)
	m.cbMu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// EmitDebug delivers a debug payload.
func (m *CallbackMock) EmitDebug(info any) {
	m.cbMu.Lock()
	fns := inOrder(m.debug)
	m.cbMu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

// inOrder returns the callbacks sorted by registration order.
func inOrder[F any](m map[CallbackID]F) []F {
	ids := make([]CallbackID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

// InjectedMock implements InjectedSDK for testing.
// The callbacks passed to StartTracking and StartCalibration are retained and
// can be driven with the Emit* methods.
type InjectedMock struct {
	// InitCode is reported through the init callbacks. ErrorNone reports success.
	InitCode ErrorCode
	// SilentInit suppresses both init callbacks.
	SilentInit bool

	StartTrackingFunc       func(stream VideoStream) (bool, error)
	StartCalibrationFunc    func(points int, criteria Accuracy) (bool, error)
	StartCollectSamplesFunc func() (any, error)
	StopCalibrationFunc     func() error
	StopTrackingFunc        func() error
	DeinitFunc              func() error

	callLog

	cbMu       sync.Mutex
	onGaze     func(GazeInfo)
	onDebug    func(any)
	onNext     func(x, y float64)
	onProgress func(any)
	onFinish   func(any)
}

// NewInjectedMock creates a mock that initializes successfully.
func NewInjectedMock() *InjectedMock {
	return &InjectedMock{}
}

func (m *InjectedMock) Init(licenseKey string, opts InitOptions, onSuccess func(), onFailure func(ErrorCode)) error {
	m.record("Init", opts)
	if m.SilentInit {
		return nil
	}
	if m.InitCode == ErrorNone {
		if onSuccess != nil {
			onSuccess()
		}
		return nil
	}
	if onFailure != nil {
		onFailure(m.InitCode)
	}
	return nil
}

func (m *InjectedMock) StartTracking(stream VideoStream, onGaze func(GazeInfo), onDebug func(any)) (bool, error) {
	m.record("StartTracking")
	if m.StartTrackingFunc != nil {
		ok, err := m.StartTrackingFunc(stream)
		if !ok || err != nil {
			return ok, err
		}
	}
	m.cbMu.Lock()
	m.onGaze, m.onDebug = onGaze, onDebug
	m.cbMu.Unlock()
	return true, nil
}

func (m *InjectedMock) StartCalibration(onNextPoint func(x, y float64), onProgress func(any), onFinish func(any), points int, criteria Accuracy) (bool, error) {
	m.record("StartCalibration", points, criteria)
	if m.StartCalibrationFunc != nil {
		ok, err := m.StartCalibrationFunc(points, criteria)
		if !ok || err != nil {
			return ok, err
		}
	}
	m.cbMu.Lock()
	m.onNext, m.onProgress, m.onFinish = onNextPoint, onProgress, onFinish
	m.cbMu.Unlock()
	return true, nil
}

func (m *InjectedMock) StartCollectSamples() (any, error) {
	m.record("StartCollectSamples")
	if m.StartCollectSamplesFunc != nil {
		return m.StartCollectSamplesFunc()
	}
	return nil, nil
}

func (m *InjectedMock) StopCalibration() error {
	m.record("StopCalibration")
	m.cbMu.Lock()
	m.onNext, m.onProgress, m.onFinish = nil, nil, nil
	m.cbMu.Unlock()
	if m.StopCalibrationFunc != nil {
		return m.StopCalibrationFunc()
	}
	return nil
}

func (m *InjectedMock) StopTracking() error {
	m.record("StopTracking")
	m.cbMu.Lock()
	m.onGaze, m.onDebug = nil, nil
	m.cbMu.Unlock()
	if m.StopTrackingFunc != nil {
		return m.StopTrackingFunc()
	}
	return nil
}

func (m *InjectedMock) Deinit() error {
	m.record("Deinit")
	if m.DeinitFunc != nil {
		return m.DeinitFunc()
	}
	return nil
}

// EmitGaze delivers info to the tracking callback, if any.
func (m *InjectedMock) EmitGaze(info GazeInfo) {
	m.cbMu.Lock()
	fn := m.onGaze
	m.cbMu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// EmitDebug delivers a debug payload, if tracking is running.
func (m *InjectedMock) EmitDebug(info any) {
	m.cbMu.Lock()
	fn := m.onDebug
	m.cbMu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// EmitNextPoint delivers a calibration target, if calibration is running.
func (m *InjectedMock) EmitNextPoint(x, y float64) {
	m.cbMu.Lock()
	fn := m.onNext
	m.cbMu.Unlock()
	if fn != nil {
		fn(x, y)
	}
}

// EmitProgress delivers a raw progress payload, if calibration is running.
func (m *InjectedMock) EmitProgress(raw any) {
	m.cbMu.Lock()
	fn := m.onProgress
	m.cbMu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

// EmitFinish delivers calibration data, if calibration is running.
func (m *InjectedMock) EmitFinish(data any) {
	m.cbMu.Lock()
	fn := m.onFinish
	m.cbMu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Verify the mocks implement their shapes at compile time.
var (
	_ CallbackSDK = (*CallbackMock)(nil)
	_ InjectedSDK = (*InjectedMock)(nil)
)
