package api

const webUI = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Status</title>
<style>
*{box-sizing:border-box;margin:0;padding:0}
body{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,sans-serif;background:#f5f5f5;color:#333;line-height:1.6}

/* Header */
.hdr{background:linear-gradient(135deg,#667eea 0%,#764ba2 100%);color:#fff;padding:14px 20px;display:flex;align-items:center;justify-content:space-between;position:sticky;top:0;z-index:100}
.hdr h1{font-size:18px;font-weight:600}
.hdr-right{display:flex;align-items:center;font-size:13px;gap:8px}
.hdr-dot{width:10px;height:10px;border-radius:50%;display:inline-block}
.dot-green{background:#22c55e}.dot-red{background:#ef4444}.dot-yellow{background:#f59e0b}.dot-gray{background:#9ca3af}
.dot-pulse{animation:pulse 2s ease-in-out infinite}
@keyframes pulse{0%,100%{opacity:1}50%{opacity:.4}}

/* Content */
.content{max-width:900px;margin:0 auto;padding:20px}
.card{background:#fff;border-radius:8px;padding:20px;margin-bottom:16px;box-shadow:0 1px 3px rgba(0,0,0,.1)}
.card h2{font-size:16px;margin-bottom:12px;padding-bottom:8px;border-bottom:1px solid #eee}

/* Status */
.status-big{font-size:28px;font-weight:600}
.status-desc{color:#666;font-size:14px}
.s-online{color:#22c55e}.s-away{color:#f59e0b}.s-offline{color:#9ca3af}.s-busy{color:#ef4444}.s-unknown{color:#6b7280}
.meta{font-size:12px;color:#888;margin-top:8px}

/* Devices */
.dev{display:flex;justify-content:space-between;align-items:center;padding:10px 12px;background:#f9fafb;border-radius:6px;margin-bottom:8px}
.dev-name{font-weight:500}
.dev-status{font-size:13px;color:#555}
.dev.idle{opacity:.55}
.empty{text-align:center;padding:24px;color:#888}

/* Buttons */
.btn{display:inline-flex;align-items:center;gap:6px;padding:5px 12px;border-radius:6px;border:none;cursor:pointer;font-size:12px;font-weight:500;background:#fff;color:#667eea}
.btn:disabled{opacity:.5;cursor:not-allowed}
.hidden{display:none}
</style>
</head>
<body>
<div class="hdr">
  <h1>Status</h1>
  <div class="hdr-right">
    <span id="online"></span>
    <span id="conn-msg">Loading...</span>
    <span class="hdr-dot dot-gray" id="conn-dot"></span>
    <button class="btn hidden" id="reconnect" onclick="reconnectNow()">Reconnect now</button>
  </div>
</div>

<div class="content">
  <div class="card">
    <h2>Current status</h2>
    <div class="status-big s-unknown" id="status-text">Loading</div>
    <div class="status-desc" id="status-desc"></div>
    <div class="meta" id="last-updated"></div>
  </div>

  <div class="card">
    <h2>Devices</h2>
    <div id="devices"><div class="empty">No devices</div></div>
  </div>
</div>

<script>
function esc(s) {
  return String(s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
}

function dotClass(state) {
  switch (state) {
    case 'streaming': return 'dot-green';
    case 'polling': return 'dot-green';
    case 'connecting': return 'dot-yellow dot-pulse';
    case 'reconnect_wait': return 'dot-red dot-pulse';
    default: return 'dot-gray';
  }
}

function render(v) {
  const st = document.getElementById('status-text');
  st.textContent = v.text;
  st.className = 'status-big s-' + (v.status || 'unknown');
  document.getElementById('status-desc').textContent = v.desc;
  if (v.loaded && v.last_updated) {
    document.getElementById('last-updated').textContent = 'Last updated ' + new Date(v.last_updated).toLocaleString();
  }

  const list = document.getElementById('devices');
  if (!v.devices.length) {
    list.innerHTML = '<div class="empty">No devices</div>';
  } else {
    list.innerHTML = v.devices.map(d =>
      '<div class="dev' + (d.using ? '' : ' idle') + '">' +
      '<span class="dev-name">' + esc(d.name) + '</span>' +
      '<span class="dev-status">' + esc(d.using ? d.status : 'Not in use') + '</span>' +
      '</div>'
    ).join('');
  }

  const c = v.connection;
  document.getElementById('conn-msg').textContent = c.message;
  document.getElementById('conn-msg').title = c.error || '';
  document.getElementById('conn-dot').className = 'hdr-dot ' + dotClass(c.state);
  document.getElementById('reconnect').classList.toggle('hidden', !c.can_reconnect);
  document.getElementById('online').textContent = v.online != null ? v.online + ' watching' : '';
}

async function refresh() {
  try {
    const res = await fetch('/api/view');
    render(await res.json());
  } catch (err) {
    document.getElementById('conn-msg').textContent = 'Dashboard unreachable';
    document.getElementById('conn-dot').className = 'hdr-dot dot-gray';
  }
}

async function reconnectNow() {
  const btn = document.getElementById('reconnect');
  btn.disabled = true;
  try {
    await fetch('/api/reconnect', { method: 'POST' });
  } finally {
    btn.disabled = false;
    refresh();
  }
}

refresh();
setInterval(() => { if (!document.hidden) refresh(); }, 1000);
</script>
</body>
</html>`
