package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kataribe/pkg/kataribe"
)

// Kernel is the client core orchestrating modules, drivers, and the event bus.
// Modules and drivers are kept in registration order; shutdown walks that
// order in reverse so later registrations never outlive what they depend on.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry

	mu      sync.Mutex
	modules []*moduleRecord
	drivers []kataribe.Driver

	running atomic.Bool
}

// New creates a new kernel runtime.
func New(options ...Option) *Kernel {
	cfg := newConfig(options)

	return &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptionBuffer, cfg.handlerTimeout, cfg.onAsyncError),
		services: NewServiceRegistry(),
	}
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() kataribe.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() kataribe.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule registers a lifecycle-aware module, runs its registration
// hook, and binds its declared handlers. A hook or binding failure rolls the
// registration back entirely, so a retry under the same name can succeed.
func (k *Kernel) RegisterModule(ctx context.Context, module kataribe.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	moduleSpec := module.Spec()
	if err := validateModuleSpec(moduleSpec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		capabilities: moduleSpec.Capabilities(),
	}
	if err := k.checkRequiredServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	for _, existing := range k.modules {
		if existing.name == name {
			k.mu.Unlock()
			return fmt.Errorf("register module %s: %w", name, kataribe.ErrModuleAlreadyRegistered)
		}
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	runtime := &moduleRuntime{
		record:   record,
		services: k.services,
		bus:      k.bus,
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	err := guard("module "+name+" OnRegister", func() error {
		return module.OnRegister(hookCtx, runtime)
	})
	if err == nil {
		err = k.bindDeclaredHandlers(hookCtx, name, runtime, moduleSpec.Handlers)
	}
	if err != nil {
		k.unregisterModule(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	return nil
}

// RegisterDriver registers a platform driver.
func (k *Kernel) RegisterDriver(driver kataribe.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, existing := range k.drivers {
		if existing.Name() == name {
			return fmt.Errorf("register driver %s: %w", name, kataribe.ErrDriverAlreadyRegistered)
		}
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts modules, runs drivers, and blocks until cancellation or the
// first fatal driver error, then tears everything down in reverse order.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel run: already running")
	}
	defer k.running.Store(false)

	if err := k.startModules(ctx); err != nil {
		return err
	}

	driveCtx, stopDrivers := context.WithCancel(ctx)
	defer stopDrivers()
	fatal, idle := k.launchDrivers(driveCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-fatal:
		runErr = err
	case <-idle:
		// Every driver returned on its own; a fatal error may still be
		// waiting in the buffer.
		select {
		case err := <-fatal:
			runErr = err
		default:
		}
	}

	stopDrivers()
	select {
	case <-idle:
	case <-time.After(k.cfg.shutdownTimeout):
	}

	shutdownErr := k.shutdownAll(ctx)
	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, shutdownErr)
}

// startModules invokes OnStart in registration order with per-module timeouts.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.snapshotModules() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := guard("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// launchDrivers starts every registered driver in its own goroutine. The
// fatal channel carries the first non-cancellation Start failure; idle closes
// when all drivers have returned.
func (k *Kernel) launchDrivers(ctx context.Context) (<-chan error, <-chan struct{}) {
	fatal := make(chan error, 1)
	idle := make(chan struct{})

	var wg sync.WaitGroup
	for _, driver := range k.snapshotDrivers() {
		wg.Add(1)
		go func(driver kataribe.Driver) {
			defer wg.Done()
			err := guard("driver "+driver.Name()+" Start", func() error {
				return driver.Start(ctx, k.bus)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case fatal <- fmt.Errorf("run driver %s: %w", driver.Name(), err):
			default:
			}
		}(driver)
	}

	go func() {
		wg.Wait()
		close(idle)
	}()

	return fatal, idle
}

// shutdownAll tears down drivers, modules, and the bus inside one bounded
// window. WithoutCancel keeps cleanup running after parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var errs []error

	drivers := k.snapshotDrivers()
	for idx := len(drivers) - 1; idx >= 0; idx-- {
		driver := drivers[idx]
		err := guard("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown driver %s: %w", driver.Name(), err))
		}
	}

	records := k.snapshotModules()
	for idx := len(records) - 1; idx >= 0; idx-- {
		record := records[idx]
		if err := record.closeSubscriptions(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		hookCtx, hookCancel := context.WithTimeout(shutdownCtx, k.cfg.moduleHookTimeout)
		err := guard("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		hookCancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	if err := k.bus.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("kernel shutdown: %w", errors.Join(errs...))
	}

	return nil
}

// bindDeclaredHandlers subscribes every handler from the module spec.
func (k *Kernel) bindDeclaredHandlers(
	ctx context.Context,
	moduleName string,
	runtime *moduleRuntime,
	handlers []kataribe.ModuleHandler,
) error {
	for idx, declared := range handlers {
		spec := declared.Subscription
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", moduleName, idx+1)
		}
		if _, err := runtime.Subscribe(ctx, declared.Capability.Interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("bind handler %s for capability %s: %w", spec.Name, declared.Capability.Name, err)
		}
	}

	return nil
}

// unregisterModule undoes a partial registration: best-effort subscription
// cleanup, then removal from the ordered module list.
func (k *Kernel) unregisterModule(ctx context.Context, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "unregister_module", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	kept := k.modules[:0]
	for _, existing := range k.modules {
		if existing != record {
			kept = append(kept, existing)
		}
	}
	k.modules = kept
}

// checkRequiredServices verifies every service a capability declares is
// already registered, so missing wiring fails at registration, not first use.
func (k *Kernel) checkRequiredServices(capabilities []kataribe.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

func (k *Kernel) snapshotModules() []*moduleRecord {
	k.mu.Lock()
	defer k.mu.Unlock()

	return append([]*moduleRecord(nil), k.modules...)
}

func (k *Kernel) snapshotDrivers() []kataribe.Driver {
	k.mu.Lock()
	defer k.mu.Unlock()

	return append([]kataribe.Driver(nil), k.drivers...)
}

// validateModuleSpec ensures declarative module definitions are coherent.
func validateModuleSpec(spec kataribe.ModuleSpec) error {
	seenCapabilities := make(map[string]struct{}, len(spec.Handlers))
	seenSubscriptions := make(map[string]struct{}, len(spec.Handlers))

	for idx, handler := range spec.Handlers {
		if handler.Capability.Name == "" {
			return fmt.Errorf("module handler %d: empty capability name", idx)
		}
		if _, exists := seenCapabilities[handler.Capability.Name]; exists {
			return fmt.Errorf("module handler %d: duplicate capability name %s", idx, handler.Capability.Name)
		}
		seenCapabilities[handler.Capability.Name] = struct{}{}

		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if handler.Subscription.Name != "" {
			if _, exists := seenSubscriptions[handler.Subscription.Name]; exists {
				return fmt.Errorf(
					"module handler %s: duplicate subscription name %s",
					handler.Capability.Name,
					handler.Subscription.Name,
				)
			}
			seenSubscriptions[handler.Subscription.Name] = struct{}{}
		}
	}

	return nil
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
