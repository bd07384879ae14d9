package vitals

// observerScript is installed on every new document before any page script runs
// so early paint entries are never missed.
const observerScript = `(() => {
  if (window.__pagewatchState) { return; }
  const state = { lcp: null, fcp: null, fp: null, fid: null, cls: null };
  window.__pagewatchState = state;
  const observe = (type, onEntry) => {
    try {
      const po = new PerformanceObserver((list) => list.getEntries().forEach(onEntry));
      po.observe({ type: type, buffered: true });
      return true;
    } catch (e) {
      return false;
    }
  };
  observe('largest-contentful-paint', (e) => {
    state.lcp = e.renderTime || e.loadTime || e.startTime;
  });
  observe('paint', (e) => {
    if (e.name === 'first-contentful-paint' && state.fcp === null) { state.fcp = e.startTime; }
    if (e.name === 'first-paint' && state.fp === null) { state.fp = e.startTime; }
  });
  observe('first-input', (e) => {
    if (state.fid === null) { state.fid = e.processingStart - e.startTime; }
  });
  // CLS is the largest session window: shifts less than 1s apart, at most 5s long.
  let winValue = 0, winStart = 0, winLast = 0;
  observe('layout-shift', (e) => {
    if (e.hadRecentInput) { return; }
    if (winValue > 0 && (e.startTime - winLast > 1000 || e.startTime - winStart > 5000)) { winValue = 0; }
    if (winValue === 0) { winStart = e.startTime; }
    winValue += e.value;
    winLast = e.startTime;
    if (state.cls === null || winValue > state.cls) { state.cls = winValue; }
  });
})();`

// paintsExpression reports which paint milestones have been observed.
const paintsExpression = `(function __pagewatchPaints() {
  const s = window.__pagewatchState || {};
  return {
    first_paint: s.fp !== null && s.fp !== undefined,
    first_contentful_paint: s.fcp !== null && s.fcp !== undefined,
    largest_contentful_paint: s.lcp !== null && s.lcp !== undefined,
    ready_state: document.readyState
  };
})()`

// snapshotExpression reads observer state plus navigation timing.
const snapshotExpression = `(function __pagewatchSnapshot() {
  const s = window.__pagewatchState || {};
  const pick = (v) => (typeof v === 'number' && isFinite(v) ? v : null);
  const positive = (v) => (typeof v === 'number' && isFinite(v) && v > 0 ? v : null);
  let ttfb = null, load = null, dcl = null;
  const nav = performance.getEntriesByType('navigation')[0];
  if (nav) {
    ttfb = positive(nav.responseStart);
    load = positive(nav.loadEventEnd);
    dcl = positive(nav.domContentLoadedEventEnd);
  } else if (performance.timing) {
    const t = performance.timing;
    const rel = (v) => (v > 0 ? v - t.navigationStart : null);
    ttfb = rel(t.responseStart);
    load = rel(t.loadEventEnd);
    dcl = rel(t.domContentLoadedEventEnd);
  }
  return {
    lcp: pick(s.lcp),
    fid: pick(s.fid),
    cls: pick(s.cls),
    fcp: pick(s.fcp),
    ttfb: ttfb,
    load_time: load,
    dom_content_loaded: dcl
  };
})()`
