package cdp

// helperScript installs window.__asq, the page-side lookup table. It is
// idempotent: re-evaluating after a reload rebuilds the registry without
// clobbering an existing one. Elements get a stable id on first sight; Go
// code addresses them by id afterwards so snapshots never hold raw nodes.
//
// The activity tracker only counts trusted events, so anything this driver
// dispatches is invisible to it.
const helperScript = `(() => {
  if (window.__asq) { return true; }

  let seq = 0;
  const els = new Map();

  const idOf = (el) => {
    let id = el.__asid;
    if (!id) {
      id = 'as' + (++seq);
      el.__asid = id;
    }
    els.set(id, el);
    return id;
  };

  const live = (id) => {
    const el = els.get(id);
    if (!el || !el.isConnected) { els.delete(id); return null; }
    return el;
  };

  const textOf = (el) => {
    if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') { return el.value || ''; }
    return el.innerText != null ? el.innerText : (el.textContent || '');
  };

  const isVisible = (el) => {
    const r = el.getBoundingClientRect();
    if (r.width <= 0 || r.height <= 0) { return false; }
    const st = window.getComputedStyle(el);
    return st.display !== 'none' && st.visibility !== 'hidden';
  };

  const isEditable = (el) =>
    el.isContentEditable === true ||
    el.tagName === 'TEXTAREA' ||
    (el.tagName === 'INPUT' && !el.disabled && !el.readOnly);

  const serializeOne = (el) => {
    const r = el.getBoundingClientRect();
    const attrs = {};
    for (const a of el.attributes || []) { attrs[a.name] = a.value; }
    return {
      id: idOf(el),
      tag: el.tagName ? el.tagName.toLowerCase() : '',
      attrs: attrs,
      text: textOf(el),
      rect: { x: Math.round(r.x), y: Math.round(r.y), w: Math.round(r.width), h: Math.round(r.height) },
      visible: isVisible(el),
      editable: isEditable(el),
    };
  };

  const serialize = (el, depth) => {
    const out = serializeOne(el);
    const ancestors = [];
    let cur = el.parentElement;
    for (let i = 0; cur && i < depth; i++) {
      ancestors.push(serializeOne(cur));
      cur = cur.parentElement;
    }
    if (ancestors.length) { out.ancestors = ancestors; }
    return out;
  };

  window.__asq = {
    query: (sel) => {
      let found;
      try { found = document.querySelectorAll(sel); } catch (e) { return []; }
      const out = [];
      for (const el of found) { out.push(serialize(el, 6)); }
      return out;
    },
    focused: () => {
      const el = document.activeElement;
      if (!el || el === document.body) { return null; }
      return serialize(el, 6);
    },
    text: (id) => {
      const el = live(id);
      return el ? textOf(el) : '';
    },
    focus: (id) => {
      const el = live(id);
      if (!el) { return false; }
      el.focus();
      return true;
    },
    center: (id) => {
      const el = live(id);
      if (!el) { return null; }
      el.scrollIntoView({ block: 'center', inline: 'center' });
      const r = el.getBoundingClientRect();
      return [r.x + r.width / 2, r.y + r.height / 2];
    },
    setText: (id, text) => {
      const el = live(id);
      if (!el) { return false; }
      if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') {
        el.value = text;
      } else {
        el.textContent = text;
      }
      el.dispatchEvent(new InputEvent('input', { bubbles: true, data: text, inputType: 'insertText' }));
      return true;
    },
    nudge: () => {
      const ev = new MouseEvent('mousemove', {
        bubbles: true,
        clientX: 2 + Math.floor(Math.random() * 8),
        clientY: 2 + Math.floor(Math.random() * 8),
      });
      document.body.dispatchEvent(ev);
      return true;
    },
  };

  window.__asLastInput = window.__asLastInput || 0;
  for (const t of ['mousemove', 'mousedown', 'keydown', 'wheel', 'touchstart']) {
    window.addEventListener(t, (ev) => {
      if (ev.isTrusted) { window.__asLastInput = Date.now(); }
    }, { capture: true, passive: true });
  }
  return true;
})()`
