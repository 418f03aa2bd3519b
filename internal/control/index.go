package control

import "net/http"

// The inline page is decorative; the JSON endpoints are the contract and
// the richer panel ships separately under /panel.
const indexHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>RiporAgent</title>
    <style>
      body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu;margin:0;background:#0f1116;color:#e6e6e6}
      header{padding:12px 16px;background:#151922;border-bottom:1px solid #202534;display:flex;justify-content:space-between}
      .grid{display:grid;grid-template-columns:repeat(auto-fit,minmax(160px,1fr));gap:12px;padding:12px 16px}
      .card{background:#151922;padding:10px;border:1px solid #202534;border-radius:8px}
      .muted{color:#9aa3b2;font-size:12px}
      pre{background:#151922;margin:12px 16px;padding:12px;border-radius:8px;border:1px solid #202534;max-height:320px;overflow:auto}
      .ok{color:#22c55e}.warn{color:#eab308}
    </style>
  </head>
  <body>
    <header><h1>RiporAgent</h1><span id="ver"></span></header>
    <div class="grid">
      <div class="card"><div class="muted">Device ID</div><div id="device"></div></div>
      <div class="card"><div class="muted">CPU %</div><div id="cpu"></div></div>
      <div class="card"><div class="muted">RAM MB</div><div id="mem"></div></div>
      <div class="card"><div class="muted">Idle ms</div><div id="idle"></div></div>
      <div class="card"><div class="muted">Activity</div><div id="act"></div></div>
      <div class="card"><div class="muted">Monitoring</div><div id="mon"></div></div>
      <div class="card"><div class="muted">Queue</div><div id="qlen"></div></div>
      <div class="card"><div class="muted">Dropped</div><div id="drops"></div></div>
    </div>
    <pre id="queue">&mdash;</pre>
    <script>
      async function j(u){const r=await fetch(u,{cache:'no-store'});if(!r.ok)throw new Error(u+':'+r.status);return r.json()}
      async function ref(){
        try{const s=await j('/state');
          document.getElementById('ver').textContent='v'+s.agent_version;
          document.getElementById('device').textContent=s.device_id;
          document.getElementById('cpu').textContent=s.cpu_pct.toFixed(2);
          document.getElementById('mem').textContent=s.mem_mb;
          document.getElementById('idle').textContent=s.input_idle_ms;
          document.getElementById('act').textContent=s.activity_state;
          document.getElementById('qlen').textContent=s.queue_len;
          document.getElementById('drops').textContent=s.dropped_events;
          const mon=document.getElementById('mon');
          if(s.paused_until_ms&&s.paused_until_ms>0){
            mon.className='warn';mon.textContent='Paused until '+new Date(Number(s.paused_until_ms)).toLocaleTimeString();
          }else{mon.className='ok';mon.textContent='Monitoring active';}
        }catch(e){console.error('state',e);}
        try{const q=await j('/queue?limit=10');document.getElementById('queue').textContent=JSON.stringify(q.top,null,2);}catch(e){console.error('queue',e);}
      }
      document.addEventListener('DOMContentLoaded',()=>{ref();setInterval(ref,2000);});
    </script>
  </body>
</html>
`

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}
